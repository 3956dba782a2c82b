package kvutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	fanouttest "github.com/arloliu/fanout/testing"
)

func TestEnsureKVBucketWithRetry_Concurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	_, nc := fanouttest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	const workers = 5
	var wg sync.WaitGroup
	kvs := make([]jetstream.KeyValue, workers)
	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			kvs[idx], errs[idx] = EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
				Bucket:  "roster-concurrent",
				History: 1,
				Storage: jetstream.MemoryStorage,
			}, 3)
		}(i)
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i], "worker %d", i)
		require.NotNil(t, kvs[i], "worker %d", i)
	}

	_, err = kvs[0].Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	entry, err := kvs[workers-1].Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), entry.Value())
}

func TestEnsureStreamWithRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	_, nc := fanouttest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx := t.Context()
	cfg := jetstream.StreamConfig{
		Name:     "FANOUT_TEST",
		Subjects: []string{"fanouttest.>"},
		Storage:  jetstream.MemoryStorage,
	}

	first, err := EnsureStreamWithRetry(ctx, js, cfg, 3)
	require.NoError(t, err)
	require.Equal(t, "FANOUT_TEST", first.CachedInfo().Config.Name)

	// Different limits: the existing stream is opened, not replaced.
	cfg.MaxMsgs = 10
	second, err := EnsureStreamWithRetry(ctx, js, cfg, 3)
	require.NoError(t, err)
	require.Equal(t, "FANOUT_TEST", second.CachedInfo().Config.Name)
}

func TestEnsureWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := ensureWithRetry(ctx, 5, func() (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestEnsureWithRetry_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	v, err := ensureWithRetry(context.Background(), 3, func() (string, error) {
		calls++
		if calls < 3 {
			return "", jetstream.ErrStreamNotFound
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 3, calls)
}
