package broker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/fanout/internal/subject"
	fanouttest "github.com/arloliu/fanout/testing"
	"github.com/arloliu/fanout/types"
)

func newTestBroker(t *testing.T) *JetStream {
	t.Helper()

	_, nc := fanouttest.StartEmbeddedNATS(t)
	b, err := NewJetStream(nc, Config{Storage: jetstream.MemoryStorage}, WithLogger(fanouttest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, b.Provision(context.Background()))

	return b
}

func pollOne(t *testing.T, b *JetStream, stream, group string) types.Entry {
	t.Helper()

	var got []types.Entry
	require.Eventually(t, func() bool {
		entries, err := b.Poll(context.Background(), stream, group, "c1", 200*time.Millisecond, 10)
		require.NoError(t, err)
		got = append(got, entries...)

		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, got, 1)

	return got[0]
}

func TestNewJetStream_Validation(t *testing.T) {
	_, err := NewJetStream(nil, DefaultConfig())
	require.ErrorIs(t, err, types.ErrNATSConnectionRequired)

	cfg := DefaultConfig()
	cfg.MaxDeliver = -5
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
	defCfg := DefaultConfig()
	require.NoError(t, defCfg.Validate())
}

func TestJetStream_AppendPollAckDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	stream := types.StreamKey("room", "bob")

	require.NoError(t, b.CreateGroup(ctx, stream, "room"))
	require.NoError(t, b.CreateGroup(ctx, stream, "room"))

	id, err := b.Append(ctx, stream, "room", "alice", `{"text":"hi"}`)
	require.NoError(t, err)
	require.NotZero(t, id)

	entry := pollOne(t, b, stream, "room")
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, types.EntryFields{Channel: "room", Sender: "alice", Data: `{"text":"hi"}`}, entry.Fields)
	require.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.Ack(ctx, stream, "room", id))
	require.NoError(t, b.Ack(ctx, stream, "room", id))
	require.Zero(t, b.PendingCount())

	require.NoError(t, b.Delete(ctx, stream, id))
	require.NoError(t, b.Delete(ctx, stream, id))

	s, err := b.js.Stream(ctx, b.cfg.Stream)
	require.NoError(t, err)
	_, err = s.GetMsg(ctx, uint64(id))
	require.ErrorIs(t, err, jetstream.ErrMsgNotFound)
}

func TestJetStream_StreamsAreIsolated(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	bob := types.StreamKey("room", "bob")
	carol := types.StreamKey("room", "carol")
	require.NoError(t, b.CreateGroup(ctx, bob, "room"))
	require.NoError(t, b.CreateGroup(ctx, carol, "room"))

	_, err := b.Append(ctx, carol, "room", "alice", "for-carol")
	require.NoError(t, err)

	entries, err := b.Poll(ctx, bob, "room", "c1", 200*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	entry := pollOne(t, b, carol, "room")
	require.Equal(t, "for-carol", entry.Fields.Data)
}

func TestJetStream_UnderscoreNamesAreIsolated(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	left := types.StreamKey("a_b", "c")
	right := types.StreamKey("a", "b_c")
	require.NoError(t, b.CreateGroup(ctx, left, "a_b"))
	require.NoError(t, b.CreateGroup(ctx, right, "a"))

	_, err := b.Append(ctx, left, "a_b", "x", "for-a_b")
	require.NoError(t, err)

	entries, err := b.Poll(ctx, right, "a", "c1", 200*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	entry := pollOne(t, b, left, "a_b")
	require.Equal(t, "for-a_b", entry.Fields.Data)
}

func TestJetStream_GroupStartsAtTail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	stream := types.StreamKey("room", "bob")

	// Append creates the group first, so its own entry is delivered.
	_, err := b.Append(ctx, stream, "room", "alice", "first")
	require.NoError(t, err)

	// A second group on the same stream only sees later entries.
	require.NoError(t, b.CreateGroup(ctx, stream, "audit"))
	entries, err := b.Poll(ctx, stream, "audit", "c1", 200*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.Equal(t, "first", pollOne(t, b, stream, "room").Fields.Data)
}

func TestJetStream_PollMissingGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	stream := types.StreamKey("room", "bob")

	_, err := b.Poll(ctx, stream, "room", "c1", 100*time.Millisecond, 1)
	require.ErrorIs(t, err, types.ErrGroupNotFound)

	require.NoError(t, b.CreateGroup(ctx, stream, "room"))
	require.NoError(t, b.DestroyGroup(ctx, stream, "room"))
	require.NoError(t, b.DestroyGroup(ctx, stream, "room"))

	_, err = b.Poll(ctx, stream, "room", "c1", 100*time.Millisecond, 1)
	require.ErrorIs(t, err, types.ErrGroupNotFound)
}

func TestJetStream_SelfHealsDeletedStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	stream := types.StreamKey("room", "bob")
	require.NoError(t, b.CreateGroup(ctx, stream, "room"))

	require.NoError(t, b.js.DeleteStream(ctx, b.cfg.Stream))

	// The first append fails on the stale handle; the retry recreates everything.
	var id types.EntryID
	require.Eventually(t, func() bool {
		var err error
		id, err = b.Append(ctx, stream, "room", "alice", "healed")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	entry := pollOne(t, b, stream, "room")
	require.Equal(t, id, entry.ID)
}

func TestJetStream_ConsumerMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)
	stream := types.StreamKey("team.a", "bob smith")
	require.NoError(t, b.CreateGroup(ctx, stream, "team.a"))

	s, err := b.js.Stream(ctx, b.cfg.Stream)
	require.NoError(t, err)
	c, err := s.Consumer(ctx, subject.Durable("team.a", stream))
	require.NoError(t, err)

	info := c.CachedInfo()
	require.Equal(t, subject.Subject(DefaultSubjectPrefix, stream), info.Config.FilterSubject)
	require.Equal(t, jetstream.DeliverNewPolicy, info.Config.DeliverPolicy)
	require.Equal(t, "team.a", info.Config.Metadata["fanout.group"])
}

func TestJetStream_RejectsEmptyKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	b := newTestBroker(t)

	require.ErrorIs(t, b.CreateGroup(ctx, "", "room"), types.ErrInvalidStreamKey)
	require.ErrorIs(t, b.CreateGroup(ctx, "room_alice", ""), types.ErrInvalidStreamKey)

	_, err := b.Append(ctx, "room_alice", "", "bob", "hi")
	require.ErrorIs(t, err, types.ErrInvalidStreamKey)
}
