package types

import "errors"

// Sentinel errors for the fanout engine.
//
// Use errors.Is() to check for these conditions. External errors are wrapped
// with context using fmt.Errorf("%s: %w", msg, err) so the sentinel survives
// wrapping.
//
// Error Naming Convention:
//   - Use descriptive names with Err prefix
//   - Group by component (Engine, Broker, Listener, Registry)
//   - Use consistent messages across similar error types

// Engine errors - Public API errors returned by the Engine.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when NATS connection is nil and no broker was injected.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on an already running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned when operations require a started engine.
	ErrNotStarted = errors.New("engine not started")

	// ErrEngineStopped is returned when an operation is attempted after Stop.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrInvalidChannel is returned when a channel name is empty.
	ErrInvalidChannel = errors.New("invalid channel name")

	// ErrInvalidOwner is returned when an owner ID is empty.
	ErrInvalidOwner = errors.New("invalid owner ID")

	// ErrTransportRequired is returned when a connection is attached without a
	// transport handle, or an owner subscribes without an attached connection.
	ErrTransportRequired = errors.New("transport handle is required")
)

// Broker errors - Errors surfaced by Broker implementations.
var (
	// ErrBrokerUnavailable marks a transient broker failure.
	// Callers retry operations wrapped with it using backoff.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrGroupNotFound is returned by Poll when the consumer group no longer exists.
	ErrGroupNotFound = errors.New("consumer group not found")

	// ErrInvalidStreamKey is returned when a stream key or group name is empty.
	ErrInvalidStreamKey = errors.New("invalid stream key")
)

// Router errors - Errors from the publish path.
var (
	// ErrDeferredQueueFull is reported when a forward could not be queued for background retry.
	ErrDeferredQueueFull = errors.New("deferred forward queue full")
)

// Listener errors - Errors from per-channel listeners.
var (
	// ErrListenerStopped is returned when a member is added to a listener that is stopping or stopped.
	ErrListenerStopped = errors.New("listener stopped")

	// ErrListenerAlreadyStarted is returned when Start is called twice on a listener.
	ErrListenerAlreadyStarted = errors.New("listener already started")
)
