// Package membership tracks which owners are subscribed to which channels on this worker.
package membership

import (
	"slices"
	"sync"
)

// Table is the bidirectional channel/owner membership index.
//
// Both directions are updated in the same critical section, so an owner is
// listed in ChannelsOf exactly when it is listed in MembersOf of that channel.
type Table struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel -> owners
	owners   map[string]map[string]struct{} // owner -> channels
}

// New creates an empty table.
func New() *Table {
	return &Table{
		channels: make(map[string]map[string]struct{}),
		owners:   make(map[string]map[string]struct{}),
	}
}

// Subscribe adds owner to channel.
//
// Returns:
//   - bool: true if owner was not a member before
func (t *Table) Subscribe(channel, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		t.channels[channel] = members
	}
	if _, exists := members[owner]; exists {
		return false
	}
	members[owner] = struct{}{}

	chans, ok := t.owners[owner]
	if !ok {
		chans = make(map[string]struct{})
		t.owners[owner] = chans
	}
	chans[channel] = struct{}{}

	return true
}

// Unsubscribe removes owner from channel.
//
// Returns:
//   - removed: true if owner was a member
//   - empty: true if channel has no members left
func (t *Table) Unsubscribe(channel, owner string) (removed, empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.channels[channel]
	if !ok {
		return false, true
	}
	if _, exists := members[owner]; exists {
		delete(members, owner)
		removed = true

		if chans := t.owners[owner]; chans != nil {
			delete(chans, channel)
			if len(chans) == 0 {
				delete(t.owners, owner)
			}
		}
	}

	if len(members) == 0 {
		delete(t.channels, channel)
		return removed, true
	}

	return removed, false
}

// MembersOf returns the owners subscribed to channel, sorted.
func (t *Table) MembersOf(channel string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return sortedKeys(t.channels[channel])
}

// ChannelsOf returns the channels owner is subscribed to, sorted.
func (t *Table) ChannelsOf(owner string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return sortedKeys(t.owners[owner])
}

// Contains reports whether owner is subscribed to channel.
func (t *Table) Contains(channel, owner string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.channels[channel][owner]

	return ok
}

// Channels returns every channel with at least one member, sorted.
func (t *Table) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return sortedKeys(t.channels)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
