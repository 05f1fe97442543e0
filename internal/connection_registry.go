package internal

import (
	"sort"
	"sync"

	"github.com/moodtribe/relay/pkg/handlers"
)

// ConnectionRegistry maps authenticated user ids to the one connection that
// currently receives their traffic.
type ConnectionRegistry struct {
	mut_connections sync.RWMutex
	connections     map[string]handlers.Connection
}

func CreateConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		mut_connections: sync.RWMutex{},
		connections:     make(map[string]handlers.Connection),
	}
}

// Register makes conn the target for userId and returns the connection it
// replaced, if any. The replaced connection is left open.
func (r *ConnectionRegistry) Register(userId string, conn handlers.Connection) handlers.Connection {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	previous := r.connections[userId]
	r.connections[userId] = conn
	if previous == conn {
		return nil
	}
	return previous
}

func (r *ConnectionRegistry) Lookup(userId string) (handlers.Connection, bool) {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	conn, has := r.connections[userId]
	return conn, has
}

// Unregister removes userId only while conn still owns it. A stale close from
// a replaced connection is a no-op.
func (r *ConnectionRegistry) Unregister(userId string, conn handlers.Connection) bool {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	current, has := r.connections[userId]
	if !has || current != conn {
		return false
	}

	delete(r.connections, userId)
	return true
}

func (r *ConnectionRegistry) Len() int {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()
	return len(r.connections)
}

func (r *ConnectionRegistry) Users() []string {
	r.mut_connections.RLock()
	defer r.mut_connections.RUnlock()

	users := make([]string, 0, len(r.connections))
	for userId := range r.connections {
		users = append(users, userId)
	}
	sort.Strings(users)
	return users
}
