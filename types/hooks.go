package types

import "context"

// Hooks defines callbacks for engine lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so they never block the publish path or a listener's poll loop. Hooks
// receive the engine's lifecycle context, which is cancelled during shutdown.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - Hook errors are logged but don't fail engine operations
//
// Example:
//
//	hooks := &fanout.Hooks{
//	    OnListenerStateChanged: func(ctx context.Context, channel string, from, to fanout.ListenerState) error {
//	        log.Printf("listener %s: %s -> %s", channel, from, to)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnListenerStateChanged is called when a channel's listener changes state.
	OnListenerStateChanged func(ctx context.Context, channel string, from, to ListenerState) error

	// OnError is called when a recoverable error occurs (broker retries
	// exhausted, listener poll failures, dropped forwards).
	OnError func(ctx context.Context, err error) error
}
