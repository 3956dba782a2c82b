package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fanouttest "github.com/arloliu/fanout/testing"
	"github.com/arloliu/fanout/types"
)

type collector struct {
	mu         sync.Mutex
	deliveries []types.Delivery
}

func (c *collector) handle(_ context.Context, d types.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = append(c.deliveries, d)
}

func (c *collector) snapshot() []types.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.Delivery(nil), c.deliveries...)
}

func testConfig(channel string) Config {
	return Config{
		Channel:      channel,
		WorkerID:     "w1",
		PollBlock:    20 * time.Millisecond,
		PollCount:    10,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func stopListener(t *testing.T, l *Listener) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
}

func TestListener_DeliversMemberEntries(t *testing.T) {
	ctx := context.Background()
	b := fanouttest.NewMemoryBroker()
	c := &collector{}

	l := New(testConfig("room"), b, c.handle, WithLogger(fanouttest.NewTestLogger(t)))
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(ctx))
	defer stopListener(t, l)

	stream := types.StreamKey("room", "bob")
	require.Eventually(t, func() bool { return b.GroupExists(stream, "room") }, time.Second, 5*time.Millisecond)

	id, err := b.Append(ctx, stream, "room", "alice", `{"m":1}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	d := c.snapshot()[0]
	assert.Equal(t, "room", d.Channel)
	assert.Equal(t, stream, d.Stream)
	assert.Equal(t, "bob", d.Recipient)
	assert.Equal(t, id, d.Entry.ID)
	assert.Equal(t, "alice", d.Entry.Fields.Sender)
	assert.Equal(t, `{"m":1}`, d.Entry.Fields.Data)
	assert.Equal(t, types.ListenerPolling, l.State())
}

func TestListener_StateTransitions(t *testing.T) {
	b := fanouttest.NewMemoryBroker()
	c := &collector{}

	var mu sync.Mutex
	var seen []types.ListenerState
	l := New(testConfig("room"), b, c.handle, WithTransitionHandler(func(_, to types.ListenerState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to)
	}))

	require.Equal(t, types.ListenerStarting, l.State())
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(context.Background()))
	require.ErrorIs(t, l.Start(context.Background()), types.ErrListenerAlreadyStarted)

	require.Eventually(t, func() bool { return l.State() == types.ListenerPolling }, time.Second, 5*time.Millisecond)
	stopListener(t, l)

	<-l.Done()
	require.Equal(t, types.ListenerStopped, l.State())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.ListenerState{types.ListenerPolling, types.ListenerStopping, types.ListenerStopped}, seen)
}

func TestListener_AddMemberAfterStop(t *testing.T) {
	l := New(testConfig("room"), fanouttest.NewMemoryBroker(), func(context.Context, types.Delivery) {})
	require.NoError(t, l.Start(context.Background()))
	stopListener(t, l)

	require.ErrorIs(t, l.AddMember("bob"), types.ErrListenerStopped)
	require.ErrorIs(t, l.Start(context.Background()), types.ErrListenerAlreadyStarted)
	// Stop is idempotent.
	stopListener(t, l)
}

func TestListener_StopBeforeStart(t *testing.T) {
	l := New(testConfig("room"), fanouttest.NewMemoryBroker(), func(context.Context, types.Delivery) {})
	require.NoError(t, l.AddMember("bob"))
	stopListener(t, l)

	require.Equal(t, types.ListenerStopped, l.State())
	require.ErrorIs(t, l.Start(context.Background()), types.ErrListenerStopped)
}

func TestListener_RemoveMember(t *testing.T) {
	ctx := context.Background()
	b := fanouttest.NewMemoryBroker()
	c := &collector{}

	l := New(testConfig("room"), b, c.handle)
	require.NoError(t, l.Start(ctx))
	defer stopListener(t, l)
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.AddMember("carol"))
	require.NoError(t, l.AddMember("bob"))
	require.Equal(t, []string{"bob", "carol"}, l.Members())

	require.Eventually(t, func() bool {
		return b.GroupExists(types.StreamKey("room", "bob"), "room") &&
			b.GroupExists(types.StreamKey("room", "carol"), "room")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, l.RemoveMember(ctx, "bob"))
	require.NoError(t, l.RemoveMember(ctx, "nobody"))
	require.Equal(t, []string{"carol"}, l.Members())

	_, err := b.Append(ctx, types.StreamKey("room", "bob"), "room", "alice", "to-bob")
	require.NoError(t, err)
	_, err = b.Append(ctx, types.StreamKey("room", "carol"), "room", "alice", "to-carol")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	got := c.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "carol", got[0].Recipient)
}

func TestListener_RecreatesMissingGroup(t *testing.T) {
	ctx := context.Background()
	b := fanouttest.NewMemoryBroker()
	c := &collector{}

	l := New(testConfig("room"), b, c.handle)
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(ctx))
	defer stopListener(t, l)

	stream := types.StreamKey("room", "bob")
	require.Eventually(t, func() bool { return b.GroupExists(stream, "room") }, time.Second, 5*time.Millisecond)

	b.DropStream(stream)
	require.Eventually(t, func() bool { return b.GroupExists(stream, "room") }, time.Second, 5*time.Millisecond)

	_, err := b.Append(ctx, stream, "room", "alice", "again")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_RetriesTransientPollErrors(t *testing.T) {
	ctx := context.Background()
	b := fanouttest.NewMemoryBroker()
	b.FailNext(fanouttest.OpPoll, 3)
	c := &collector{}

	var errs atomic.Int32
	l := New(testConfig("room"), b, c.handle, WithErrorHandler(func(err error) {
		assert.ErrorIs(t, err, types.ErrBrokerUnavailable)
		errs.Add(1)
	}))
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(ctx))
	defer stopListener(t, l)

	require.Eventually(t, func() bool { return errs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	_, err := b.Append(ctx, types.StreamKey("room", "bob"), "room", "alice", "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestListener_RetriesGroupCreation(t *testing.T) {
	b := fanouttest.NewMemoryBroker()
	b.FailNext(fanouttest.OpCreateGroup, 2)

	l := New(testConfig("room"), b, func(context.Context, types.Delivery) {})
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(context.Background()))
	defer stopListener(t, l)

	require.Eventually(t, func() bool { return l.State() == types.ListenerPolling }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, b.Calls(fanouttest.OpCreateGroup, types.StreamKey("room", "bob")))
}

func TestListener_RecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	b := fanouttest.NewMemoryBroker()
	c := &collector{}

	var calls atomic.Int32
	handler := func(ctx context.Context, d types.Delivery) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		c.handle(ctx, d)
	}

	l := New(testConfig("room"), b, handler)
	require.NoError(t, l.AddMember("bob"))
	require.NoError(t, l.Start(ctx))
	defer stopListener(t, l)

	stream := types.StreamKey("room", "bob")
	require.Eventually(t, func() bool { return b.GroupExists(stream, "room") }, time.Second, 5*time.Millisecond)

	_, err := b.Append(ctx, stream, "room", "alice", "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = b.Append(ctx, stream, "room", "alice", "second")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "second", c.snapshot()[0].Entry.Fields.Data)
	require.Equal(t, types.ListenerPolling, l.State())
}
