package types

// ListenerState represents the lifecycle state of a per-channel listener.
//
// States follow a strict progression:
//
//	ListenerStarting → ListenerPolling → ListenerStopping → ListenerStopped
//
// A listener may also go from ListenerStarting directly to ListenerStopping
// when it is cancelled before its first poll.
type ListenerState int

const (
	// ListenerStarting indicates consumer groups are being ensured.
	ListenerStarting ListenerState = iota

	// ListenerPolling indicates the listener is block-polling the broker.
	ListenerPolling

	// ListenerStopping indicates cancellation was requested and loops are draining.
	ListenerStopping

	// ListenerStopped is terminal.
	ListenerStopped
)

// String returns the string representation of the state.
func (s ListenerState) String() string {
	switch s {
	case ListenerStarting:
		return "Starting"
	case ListenerPolling:
		return "Polling"
	case ListenerStopping:
		return "Stopping"
	case ListenerStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// CanTransitionTo reports whether moving from s to next is a valid listener transition.
func (s ListenerState) CanTransitionTo(next ListenerState) bool {
	switch s {
	case ListenerStarting:
		return next == ListenerPolling || next == ListenerStopping
	case ListenerPolling:
		return next == ListenerStopping
	case ListenerStopping:
		return next == ListenerStopped
	default:
		return false
	}
}
