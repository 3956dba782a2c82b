package types

import (
	"context"
	"time"

	"github.com/arloliu/fanout/internal/subject"
)

// EntryID is the broker-assigned, monotonically increasing identifier of a stream entry.
type EntryID uint64

// EntryFields holds the payload fields of a broker entry.
type EntryFields struct {
	// Channel is the channel the entry was published to (equals the consumer group name).
	Channel string

	// Sender is the owner ID of the publisher.
	Sender string

	// Data is the opaque, already-serialized event envelope.
	Data string
}

// Entry is a single broker stream entry returned by Poll.
type Entry struct {
	ID     EntryID
	Fields EntryFields
}

// Delivery is an entry handed by a listener to the router, together with the
// stream it was read from and the local subscriber that stream belongs to.
type Delivery struct {
	// Channel is the consumer group (channel) the entry was read through.
	Channel string

	// Stream is the logical stream key the entry was read from.
	Stream string

	// Recipient is the owner ID the stream is addressed to.
	Recipient string

	// Entry is the broker entry.
	Entry Entry
}

// Broker is a thin adapter over a durable, replicated append-only stream with
// consumer-group semantics.
//
// All operations are fallible. Transient failures (network blip, broker
// restart) are reported wrapped with ErrBrokerUnavailable so callers can retry
// with backoff; they must never crash the process.
//
// Implementations must be safe for concurrent use.
type Broker interface {
	// CreateGroup creates the stream and its consumer group positioned at the
	// stream tail if absent. "Already exists" is success.
	CreateGroup(ctx context.Context, stream, group string) error

	// DestroyGroup removes the consumer group. "Already gone" is success.
	DestroyGroup(ctx context.Context, stream, group string) error

	// Append ensures the group exists (self-healing if the stream was deleted)
	// and appends {channel: group, sender, data: payload}.
	Append(ctx context.Context, stream, group, sender, payload string) (EntryID, error)

	// Poll blocks up to block for entries not yet delivered to the group and
	// returns at most maxCount of them. An empty result is a normal outcome.
	// Returns ErrGroupNotFound if the group does not exist.
	Poll(ctx context.Context, stream, group, consumer string, block time.Duration, maxCount int) ([]Entry, error)

	// Ack marks the entry as consumed by the group. Acking an entry twice is a no-op.
	Ack(ctx context.Context, stream, group string, id EntryID) error

	// Delete physically removes the entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, stream string, id EntryID) error
}

// StreamKey returns the logical broker stream addressed to owner within channel.
//
// There is one stream per (channel, subscriber) pair, so an entry on a stream
// has exactly one intended recipient. Both parts are encoded as subject tokens
// joined by '.', which tokens never contain, so distinct pairs never share a key.
func StreamKey(channel, owner string) string {
	return pairKey(channel, owner)
}

// ConnectionID returns the channel-scoped identifier of an owner's connection.
func ConnectionID(channel, owner string) string {
	return pairKey(channel, owner)
}

func pairKey(channel, owner string) string {
	return subject.Token(channel) + "." + subject.Token(owner)
}

// ConsumerName returns the consumer name used by workerID when polling on behalf of owner.
func ConsumerName(workerID, owner string) string {
	return "consumer_" + workerID + "_" + owner
}
