// Package hooks provides default types.Hooks implementations.
package hooks

import (
	"context"

	"github.com/arloliu/fanout/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, string, types.ListenerState, types.ListenerState) error = (*NopHooks)(nil).OnListenerStateChanged
	_ func(context.Context, error) error                                             = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnListenerStateChanged: h.OnListenerStateChanged,
		OnError:                h.OnError,
	}
}

// WithDefaults returns a copy of h with nil callbacks replaced by no-ops.
func WithDefaults(h *types.Hooks) *types.Hooks {
	nop := NewNop()
	if h == nil {
		return &nop
	}

	out := *h
	if out.OnListenerStateChanged == nil {
		out.OnListenerStateChanged = nop.OnListenerStateChanged
	}
	if out.OnError == nil {
		out.OnError = nop.OnError
	}

	return &out
}

// OnListenerStateChanged is a no-op implementation.
func (h *NopHooks) OnListenerStateChanged(_ context.Context, _ string, _, _ types.ListenerState) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
