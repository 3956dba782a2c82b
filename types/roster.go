package types

import (
	"context"
	"time"
)

// RosterEntry records which worker currently serves an owner's subscription to a channel.
type RosterEntry struct {
	Channel  string    `json:"channel"`
	Owner    string    `json:"owner"`
	WorkerID string    `json:"worker"`
	Since    time.Time `json:"since"`
}

// Roster is the cluster-wide view of channel membership.
//
// The local membership table only knows subscribers attached to this worker;
// the roster lets a publisher address subscribers held by other workers.
type Roster interface {
	// Add records owner as a member of channel served by workerID, replacing
	// any previous entry for the same (channel, owner).
	Add(ctx context.Context, channel, owner, workerID string) error

	// Remove deletes the (channel, owner) entry only if it is still served by workerID.
	Remove(ctx context.Context, channel, owner, workerID string) error

	// Members lists all entries of channel across workers.
	Members(ctx context.Context, channel string) ([]RosterEntry, error)
}
