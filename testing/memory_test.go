package testing

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/fanout/types"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_GroupStartsAtTail(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	_, err := b.Append(ctx, "s", "g1", "alice", "before")
	require.NoError(t, err)

	require.NoError(t, b.CreateGroup(ctx, "s", "g2"))
	entries, err := b.Poll(ctx, "s", "g2", "c", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	id, err := b.Append(ctx, "s", "g2", "alice", "after")
	require.NoError(t, err)

	entries, err = b.Poll(ctx, "s", "g2", "c", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.Equal(t, types.EntryFields{Channel: "g2", Sender: "alice", Data: "after"}, entries[0].Fields)
}

func TestMemoryBroker_PollBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	require.NoError(t, b.CreateGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Append(ctx, "s", "g", "bob", "hi")
	}()

	entries, err := b.Poll(ctx, "s", "g", "c", 2*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, b.Pending("s", "g"))
}

func TestMemoryBroker_AckAndDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()

	id, err := b.Append(ctx, "s", "g", "a", "x")
	require.NoError(t, err)
	_, err = b.Poll(ctx, "s", "g", "c", time.Millisecond, 1)
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, "s", "g", id))
	require.NoError(t, b.Ack(ctx, "s", "g", id))
	require.Equal(t, 0, b.Pending("s", "g"))

	require.NoError(t, b.Delete(ctx, "s", id))
	require.NoError(t, b.Delete(ctx, "s", id))
	require.Equal(t, 0, b.Len("s"))
	require.Equal(t, 2, b.Calls(OpDelete, "s"))
}

func TestMemoryBroker_MissingGroup(t *testing.T) {
	b := NewMemoryBroker()

	_, err := b.Poll(context.Background(), "nope", "g", "c", time.Millisecond, 1)
	require.ErrorIs(t, err, types.ErrGroupNotFound)
}

func TestMemoryBroker_FailureInjection(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	b.FailNext(OpAppend, 2)

	for range 2 {
		_, err := b.Append(ctx, "s", "g", "a", "x")
		require.ErrorIs(t, err, types.ErrBrokerUnavailable)
	}
	_, err := b.Append(ctx, "s", "g", "a", "x")
	require.NoError(t, err)
	require.Equal(t, 1, b.AppendCount("s"))
	require.Equal(t, 3, b.Calls(OpAppend, ""))

	b.SetUnavailable(true)
	require.ErrorIs(t, b.CreateGroup(ctx, "s", "g"), types.ErrBrokerUnavailable)
}

func TestMemoryRoster_RemoveOnlyOwnEntry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRoster()

	require.NoError(t, r.Add(ctx, "room", "bob", "w2"))
	require.NoError(t, r.Add(ctx, "room", "alice", "w1"))
	require.NoError(t, r.Remove(ctx, "room", "bob", "w1"))

	members, err := r.Members(ctx, "room")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "alice", members[0].Owner)
	require.Equal(t, "w2", members[1].WorkerID)

	require.NoError(t, r.Remove(ctx, "room", "bob", "w2"))
	members, err = r.Members(ctx, "room")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestRecordingTransport(t *testing.T) {
	tr := NewRecordingTransport()
	require.NoError(t, tr.SendText(context.Background(), "a"))

	tr.SetFailing(true)
	require.ErrorIs(t, tr.SendText(context.Background(), "b"), ErrTransportClosed)
	tr.SetFailing(false)

	require.NoError(t, tr.Close())
	require.True(t, tr.Closed())
	require.Error(t, tr.SendText(context.Background(), "c"))
	require.Equal(t, []string{"a"}, tr.Messages())
}
