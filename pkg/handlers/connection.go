package handlers

// Connection is one live client socket as seen by the relay. Implementations
// are compared by identity, so they must be pointer types.
type Connection interface {
	// Id is unique per physical connection, never reused.
	Id() string

	// Send queues one text frame for delivery. It must not block on a slow
	// peer; a full queue or closed connection is reported as an error.
	Send(frame []byte) error

	IsOpen() bool
}

// ConnectionHandler receives connection lifecycle events from a transport.
type ConnectionHandler interface {
	Open(conn Connection) ConnectionSession
}

// ConnectionSession is the per-connection state a transport drives from its
// read loop. HandleFrame and Close are never called concurrently.
type ConnectionSession interface {
	HandleFrame(frame []byte) error
	Close()
}
