package presence_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moodtribe/relay/internal"
	"github.com/moodtribe/relay/pkg/presence"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct{ id string }

func (c *fakeConn) Id() string { return c.id }
func (c *fakeConn) Send([]byte) error { return nil }
func (c *fakeConn) IsOpen() bool { return true }

// memoryStore mimics the Redis semantics the mirror relies on.
type memoryStore struct {
	mu   sync.Mutex
	keys map[string]string
	ttls map[string]time.Duration
	sets int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{keys: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = value
	s.ttls[key] = ttl
	s.sets++
	return nil
}

func (s *memoryStore) DeleteIfPrefix(_ context.Context, key, prefix string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[key]
	if !ok || !strings.HasPrefix(v, prefix) {
		return false, nil
	}
	delete(s.keys, key)
	return true, nil
}

func (s *memoryStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.keys[key]
	return v, ok
}

func newMirror(t *testing.T, registry *internal.ConnectionRegistry, store presence.Store) *presence.Mirror {
	t.Helper()
	return presence.CreateMirror(registry, store, presence.MirrorParams{
		NodeId: "node-a",
		TTL:    time.Minute,
		Logger: zaptest.NewLogger(t),
	})
}

func TestMirror_FlushWritesOwner(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	store := newMemoryStore()
	mirror := newMirror(t, registry, store)

	registry.Register("u1", &fakeConn{id: "c1"})
	mirror.Notify("u1")
	mirror.Flush(context.Background())

	got, ok := store.get(presence.Key("u1"))
	if !ok || got != "node-a/c1" {
		t.Errorf("presence value = %q, %v; want node-a/c1", got, ok)
	}
	if store.ttls[presence.Key("u1")] != time.Minute {
		t.Errorf("ttl = %v, want 1m", store.ttls[presence.Key("u1")])
	}
}

func TestMirror_ConvergesOnLatestOwner(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	store := newMemoryStore()
	mirror := newMirror(t, registry, store)

	oldConn, newConn := &fakeConn{id: "old"}, &fakeConn{id: "new"}
	registry.Register("u1", oldConn)
	registry.Register("u1", newConn)
	registry.Unregister("u1", oldConn)

	// Notifications arrive in an order unrelated to the registry changes.
	mirror.Notify("u1")
	mirror.Notify("u1")
	mirror.Flush(context.Background())

	if got, _ := store.get(presence.Key("u1")); got != "node-a/new" {
		t.Errorf("presence value = %q, want node-a/new", got)
	}
}

func TestMirror_OfflineOnlyClearsOwnNode(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	store := newMemoryStore()
	mirror := newMirror(t, registry, store)

	_ = store.Set(context.Background(), presence.Key("u1"), "node-b/c9", time.Minute)
	_ = store.Set(context.Background(), presence.Key("u2"), "node-a/c2", time.Minute)

	mirror.Notify("u1")
	mirror.Notify("u2")
	mirror.Flush(context.Background())

	if got, ok := store.get(presence.Key("u1")); !ok || got != "node-b/c9" {
		t.Errorf("other node's entry = %q, %v; want untouched", got, ok)
	}
	if _, ok := store.get(presence.Key("u2")); ok {
		t.Error("own stale entry for u2 was not removed")
	}
}

func TestMirror_Refresh(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	store := newMemoryStore()
	mirror := newMirror(t, registry, store)

	registry.Register("u1", &fakeConn{id: "c1"})
	registry.Register("u2", &fakeConn{id: "c2"})
	mirror.Refresh(context.Background())

	if store.sets != 2 {
		t.Errorf("Refresh() wrote %d keys, want 2", store.sets)
	}
}

func TestMirror_RunProcessesNotifications(t *testing.T) {
	registry := internal.CreateConnectionRegistry()
	store := newMemoryStore()
	mirror := newMirror(t, registry, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mirror.Run(ctx)
	}()

	registry.Register("u1", &fakeConn{id: "c1"})
	mirror.Notify("u1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.get(presence.Key("u1")); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run() did not sync notified user")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	store, err := presence.CreateRedisStore(ctx, presence.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("CreateRedisStore() error = %v", err)
	}
	defer store.Close()

	key := presence.Key("redis-test-user")
	if err := store.Set(ctx, key, "node-b/c1", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if deleted, err := store.DeleteIfPrefix(ctx, key, "node-a/"); err != nil || deleted {
		t.Fatalf("DeleteIfPrefix(other node) = %v, %v; want false, nil", deleted, err)
	}
	if deleted, err := store.DeleteIfPrefix(ctx, key, "node-b/"); err != nil || !deleted {
		t.Fatalf("DeleteIfPrefix(own node) = %v, %v; want true, nil", deleted, err)
	}
	if v, err := store.Get(ctx, key); err != nil || v != "" {
		t.Errorf("Get() after delete = %q, %v; want empty", v, err)
	}
}
