package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	fanouttest "github.com/arloliu/fanout/testing"
)

func startNATSEngine(t *testing.T, ns *server.Server, workerID string) *Engine {
	t.Helper()

	cfg := TestConfig()
	cfg.WorkerID = workerID

	e, err := New(&cfg, fanouttest.Connect(t, ns), WithLogger(fanouttest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	return e
}

func TestIntegration_CrossWorkerDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ns, _ := fanouttest.StartEmbeddedNATS(t)
	a := startNATSEngine(t, ns, "worker-a")
	b := startNATSEngine(t, ns, "worker-b")

	alice := connect(t, a, room, "alice")
	bob := connect(t, b, room, "bob")
	waitPolling(t, a, room)
	waitPolling(t, b, room)

	res, err := b.Publish(ctx, "bob", room, "hello alice")
	require.NoError(t, err)
	require.Equal(t, PublishResult{Forwarded: 1}, res)

	require.Eventually(t, func() bool {
		return len(alice.Messages()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"hello alice"}, alice.Messages())

	res, err = a.Publish(ctx, "alice", room, "hello bob")
	require.NoError(t, err)
	require.Equal(t, PublishResult{Forwarded: 1}, res)

	require.Eventually(t, func() bool {
		return len(bob.Messages()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	members, err := a.RosterMembers(ctx, room)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

// Messages sent while a worker is down are kept for its owners, who pick
// them up from whichever worker they reconnect to.
func TestIntegration_OwnerMovesWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ns, _ := fanouttest.StartEmbeddedNATS(t)
	a := startNATSEngine(t, ns, "worker-a")
	b := startNATSEngine(t, ns, "worker-b")

	connect(t, a, room, "alice")
	connect(t, b, room, "bob")
	waitPolling(t, a, room)

	require.NoError(t, a.Stop(ctx))

	res, err := b.Publish(ctx, "bob", room, "while you were away")
	require.NoError(t, err)
	require.Equal(t, PublishResult{Forwarded: 1}, res)

	alice := connect(t, b, room, "alice")
	require.Eventually(t, func() bool {
		return len(alice.Messages()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"while you were away"}, alice.Messages())

	members, err := b.RosterMembers(ctx, room)
	require.NoError(t, err)
	for _, m := range members {
		require.Equal(t, "worker-b", m.WorkerID)
	}
}
