package testing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/fanout/types"
)

// AppendRecord describes one successful MemoryBroker.Append call.
type AppendRecord struct {
	Stream  string
	Group   string
	Sender  string
	Payload string
	ID      types.EntryID
}

// MemoryBroker is an in-process types.Broker.
//
// It keeps consumer-group semantics close enough to a real broker for engine
// tests: groups are created at the stream tail, every entry is delivered to a
// group once, acks are idempotent and deletes of missing entries succeed. It
// never redelivers unacknowledged entries.
//
// Failure injection:
//   - FailNext makes the next n calls of one operation return ErrBrokerUnavailable
//   - SetUnavailable makes every operation fail until cleared
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	lastID  types.EntryID
	wake    chan struct{}

	unavailable bool
	failNext    map[string]int

	appends []AppendRecord
	calls   map[string]map[string]int // op -> stream -> count
}

type memStream struct {
	entries map[types.EntryID]types.EntryFields
	order   []types.EntryID
	groups  map[string]*memGroup
}

type memGroup struct {
	delivered types.EntryID
	pending   map[types.EntryID]struct{}
}

var _ types.Broker = (*MemoryBroker)(nil)

// Broker operation names accepted by FailNext and the counters.
const (
	OpCreateGroup  = "create_group"
	OpDestroyGroup = "destroy_group"
	OpAppend       = "append"
	OpPoll         = "poll"
	OpAck          = "ack"
	OpDelete       = "delete"
)

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams:  make(map[string]*memStream),
		wake:     make(chan struct{}),
		failNext: make(map[string]int),
		calls:    make(map[string]map[string]int),
	}
}

// FailNext makes the next n calls of op fail with a transient error.
func (b *MemoryBroker) FailNext(op string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = n
}

// SetUnavailable toggles a full outage: every operation fails with a transient error.
func (b *MemoryBroker) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = down
}

// checkLocked counts the call and returns an injected failure, if any.
func (b *MemoryBroker) checkLocked(op, stream string) error {
	byStream, ok := b.calls[op]
	if !ok {
		byStream = make(map[string]int)
		b.calls[op] = byStream
	}
	byStream[stream]++

	if b.unavailable {
		return fmt.Errorf("%s %s: %w", op, stream, types.ErrBrokerUnavailable)
	}
	if n := b.failNext[op]; n > 0 {
		b.failNext[op] = n - 1
		return fmt.Errorf("%s %s: injected: %w", op, stream, types.ErrBrokerUnavailable)
	}

	return nil
}

func (b *MemoryBroker) ensureLocked(stream, group string) *memGroup {
	s, ok := b.streams[stream]
	if !ok {
		s = &memStream{
			entries: make(map[types.EntryID]types.EntryFields),
			groups:  make(map[string]*memGroup),
		}
		b.streams[stream] = s
	}
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[types.EntryID]struct{})}
		if n := len(s.order); n > 0 {
			g.delivered = s.order[n-1]
		}
		s.groups[group] = g
	}

	return g
}

// CreateGroup implements types.Broker.
func (b *MemoryBroker) CreateGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(OpCreateGroup, stream); err != nil {
		return err
	}
	b.ensureLocked(stream, group)

	return nil
}

// DestroyGroup implements types.Broker.
func (b *MemoryBroker) DestroyGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(OpDestroyGroup, stream); err != nil {
		return err
	}
	if s, ok := b.streams[stream]; ok {
		delete(s.groups, group)
	}
	b.broadcastLocked()

	return nil
}

// Append implements types.Broker.
func (b *MemoryBroker) Append(_ context.Context, stream, group, sender, payload string) (types.EntryID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(OpAppend, stream); err != nil {
		return 0, err
	}
	b.ensureLocked(stream, group)

	b.lastID++
	id := b.lastID
	s := b.streams[stream]
	s.entries[id] = types.EntryFields{Channel: group, Sender: sender, Data: payload}
	s.order = append(s.order, id)
	b.appends = append(b.appends, AppendRecord{Stream: stream, Group: group, Sender: sender, Payload: payload, ID: id})
	b.broadcastLocked()

	return id, nil
}

// Poll implements types.Broker.
func (b *MemoryBroker) Poll(ctx context.Context, stream, group, _ string, block time.Duration, maxCount int) ([]types.Entry, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	timer := time.NewTimer(block)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if err := b.checkLocked(OpPoll, stream); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		s, ok := b.streams[stream]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("poll %s: %w", stream, types.ErrGroupNotFound)
		}
		g, ok := s.groups[group]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("poll %s/%s: %w", stream, group, types.ErrGroupNotFound)
		}

		var out []types.Entry
		for _, id := range s.order {
			if id <= g.delivered {
				continue
			}
			fields, live := s.entries[id]
			if !live {
				continue
			}
			out = append(out, types.Entry{ID: id, Fields: fields})
			if len(out) == maxCount {
				break
			}
		}
		if len(out) > 0 {
			g.delivered = out[len(out)-1].ID
			for _, e := range out {
				g.pending[e.ID] = struct{}{}
			}
			b.mu.Unlock()

			return out, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

// Ack implements types.Broker.
func (b *MemoryBroker) Ack(_ context.Context, stream, group string, id types.EntryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(OpAck, stream); err != nil {
		return err
	}
	if s, ok := b.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			delete(g.pending, id)
		}
	}

	return nil
}

// Delete implements types.Broker.
func (b *MemoryBroker) Delete(_ context.Context, stream string, id types.EntryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(OpDelete, stream); err != nil {
		return err
	}
	if s, ok := b.streams[stream]; ok {
		if _, live := s.entries[id]; live {
			delete(s.entries, id)
			s.order = slices.DeleteFunc(s.order, func(v types.EntryID) bool { return v == id })
		}
	}

	return nil
}

func (b *MemoryBroker) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Appends returns a copy of every successful append in order.
func (b *MemoryBroker) Appends() []AppendRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.appends)
}

// AppendCount returns the number of successful appends to stream, or to all
// streams when stream is empty.
func (b *MemoryBroker) AppendCount(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rec := range b.appends {
		if stream == "" || rec.Stream == stream {
			n++
		}
	}

	return n
}

// Calls returns how many times op was invoked for stream (including failed
// calls), or for all streams when stream is empty.
func (b *MemoryBroker) Calls(op, stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stream != "" {
		return b.calls[op][stream]
	}
	n := 0
	for _, c := range b.calls[op] {
		n += c
	}

	return n
}

// Len returns the number of entries physically present in stream.
func (b *MemoryBroker) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[stream]; ok {
		return len(s.entries)
	}

	return 0
}

// Pending returns the number of delivered but unacknowledged entries of a group.
func (b *MemoryBroker) Pending(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(g.pending)
		}
	}

	return 0
}

// GroupExists reports whether group exists on stream.
func (b *MemoryBroker) GroupExists(stream, group string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[stream]
	if !ok {
		return false
	}
	_, ok = s.groups[group]

	return ok
}

// DropStream deletes a stream with all its groups, simulating data loss on the broker.
func (b *MemoryBroker) DropStream(stream string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.streams, stream)
	b.broadcastLocked()
}
