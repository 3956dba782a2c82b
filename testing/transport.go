package testing

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/arloliu/fanout/types"
)

// ErrTransportClosed is returned by RecordingTransport after Close or while failing.
var ErrTransportClosed = errors.New("recording transport closed")

// RecordingTransport is a types.Transport that records every message it accepts.
type RecordingTransport struct {
	mu      sync.Mutex
	msgs    []string
	failing bool
	closed  bool
}

var _ types.Transport = (*RecordingTransport)(nil)

// NewRecordingTransport creates an open transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// SendText records msg, or fails when the transport is closed or failing.
func (t *RecordingTransport) SendText(_ context.Context, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.failing {
		return ErrTransportClosed
	}
	t.msgs = append(t.msgs, msg)

	return nil
}

// Close marks the transport closed. Closing twice is a no-op.
func (t *RecordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true

	return nil
}

// SetFailing makes subsequent sends fail, simulating a dead peer whose
// connection has not been cleaned up yet.
func (t *RecordingTransport) SetFailing(failing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing = failing
}

// Messages returns a copy of the recorded messages.
func (t *RecordingTransport) Messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return slices.Clone(t.msgs)
}

// Closed reports whether Close was called.
func (t *RecordingTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}
