package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arloliu/fanout/types"
)

// MemoryRoster is an in-process types.Roster. Several engines sharing one
// MemoryRoster behave like workers sharing a KV bucket.
type MemoryRoster struct {
	mu          sync.Mutex
	entries     map[string]map[string]types.RosterEntry // channel -> owner -> entry
	unavailable bool
}

var _ types.Roster = (*MemoryRoster)(nil)

// NewMemoryRoster creates an empty roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{entries: make(map[string]map[string]types.RosterEntry)}
}

// SetUnavailable makes every call fail with a transient error until cleared.
func (r *MemoryRoster) SetUnavailable(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = down
}

// Add implements types.Roster.
func (r *MemoryRoster) Add(_ context.Context, channel, owner, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unavailable {
		return fmt.Errorf("roster add: %w", types.ErrBrokerUnavailable)
	}
	byOwner, ok := r.entries[channel]
	if !ok {
		byOwner = make(map[string]types.RosterEntry)
		r.entries[channel] = byOwner
	}
	byOwner[owner] = types.RosterEntry{Channel: channel, Owner: owner, WorkerID: workerID, Since: time.Now()}

	return nil
}

// Remove implements types.Roster. Only the entry written by workerID is removed.
func (r *MemoryRoster) Remove(_ context.Context, channel, owner, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unavailable {
		return fmt.Errorf("roster remove: %w", types.ErrBrokerUnavailable)
	}
	byOwner := r.entries[channel]
	if e, ok := byOwner[owner]; ok && e.WorkerID == workerID {
		delete(byOwner, owner)
		if len(byOwner) == 0 {
			delete(r.entries, channel)
		}
	}

	return nil
}

// Members implements types.Roster.
func (r *MemoryRoster) Members(_ context.Context, channel string) ([]types.RosterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unavailable {
		return nil, fmt.Errorf("roster members: %w", types.ErrBrokerUnavailable)
	}
	out := make([]types.RosterEntry, 0, len(r.entries[channel]))
	for _, e := range r.entries[channel] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })

	return out, nil
}
