package interfaces

// Connection is a live client transport as seen by the registry and the hub.
// Implementations serialize writes through a single writer.
type Connection interface {
	// ID is unique for the life of the process.
	ID() string

	// Identity returns the display name and opaque user reference bound to
	// the connection. Both are trusted as supplied by the client.
	Identity() (user, userRef string)
	SetIdentity(user, userRef string)

	// Send queues an encoded frame without blocking. It fails when the
	// connection is closed or its write queue is full.
	Send(data []byte) error

	// WriteJSON encodes v and queues it like Send.
	WriteJSON(v any) error

	// Close is idempotent.
	Close() error
}
