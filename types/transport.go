package types

import "context"

// Transport is the send side of a live client connection.
//
// The engine never opens sockets; it only writes text frames to handles it
// was given. Implementations must serialize writes so per-connection delivery
// order is preserved.
type Transport interface {
	// SendText writes a single text message. A non-nil error means the
	// message was not delivered.
	SendText(ctx context.Context, message string) error

	// Close closes the underlying connection.
	Close() error
}

// Connection is a locally attached client connection.
type Connection struct {
	// ID is the channel-scoped identifier, see ConnectionID.
	ID string

	// Channel is the channel the connection subscribes to.
	Channel string

	// Owner is the stable identity of the client.
	Owner string

	// Handle is the transport used for local delivery.
	Handle Transport
}
