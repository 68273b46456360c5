// Package chat provides the session bookkeeping shared by the server's
// transport and event handlers.
package chat

import "context"

// Conn abstracts a bidirectional text-frame connection.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single text frame.
	// Returns io.EOF when connection is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
