package fanout

import "github.com/arloliu/fanout/types"

// Sentinel errors returned by the Engine. Use errors.Is to check them.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrNATSConnectionRequired is returned when NATS connection is nil and no broker was injected.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrAlreadyStarted is returned when Start is called on an already running engine.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when an operation needs a started engine.
	ErrNotStarted = types.ErrNotStarted

	// ErrEngineStopped is returned after Stop.
	ErrEngineStopped = types.ErrEngineStopped

	// ErrInvalidChannel is returned for an empty channel name.
	ErrInvalidChannel = types.ErrInvalidChannel

	// ErrInvalidOwner is returned for an empty owner ID.
	ErrInvalidOwner = types.ErrInvalidOwner

	// ErrTransportRequired is returned when subscribing without an attached connection.
	ErrTransportRequired = types.ErrTransportRequired

	// ErrBrokerUnavailable marks transient broker failures reported through hooks.
	ErrBrokerUnavailable = types.ErrBrokerUnavailable

	// ErrGroupNotFound is returned by brokers when a consumer group vanished.
	ErrGroupNotFound = types.ErrGroupNotFound

	// ErrDeferredQueueFull is reported through hooks when a forward was dropped.
	ErrDeferredQueueFull = types.ErrDeferredQueueFull
)
