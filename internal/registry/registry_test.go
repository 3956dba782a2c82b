package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/arloliu/fanout/types"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu   sync.Mutex
	fail bool
	msgs []string
}

func (s *stubTransport) SendText(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("closed")
	}
	s.msgs = append(s.msgs, message)

	return nil
}

func (s *stubTransport) Close() error { return nil }

func conn(channel, owner string, h types.Transport) types.Connection {
	return types.Connection{ID: types.ConnectionID(channel, owner), Channel: channel, Owner: owner, Handle: h}
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := New(nil)
	h := &stubTransport{}

	require.Nil(t, r.Register(conn("shopping", "alice", h)))
	require.Equal(t, 1, r.Len())

	got, ok := r.Get("shopping.alice")
	require.True(t, ok)
	require.Same(t, h, got)

	c, ok := r.Lookup(h)
	require.True(t, ok)
	require.Equal(t, "alice", c.Owner)

	removed, ok := r.Unregister(h)
	require.True(t, ok)
	require.Equal(t, "shopping.alice", removed.ID)
	require.Equal(t, 0, r.Len())

	_, ok = r.Unregister(h)
	require.False(t, ok, "second unregister is a no-op")
	_, ok = r.Get("shopping.alice")
	require.False(t, ok)
}

func TestRegistry_ReplaceHandle(t *testing.T) {
	r := New(nil)
	first, second := &stubTransport{}, &stubTransport{}

	require.Nil(t, r.Register(conn("shopping", "alice", first)))
	replaced := r.Register(conn("shopping", "alice", second))
	require.Same(t, first, replaced)

	// The stale handle no longer resolves and cannot remove the new one.
	_, ok := r.Unregister(first)
	require.False(t, ok)

	got, ok := r.Get("shopping.alice")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistry_UnregisterID(t *testing.T) {
	r := New(nil)
	h := &stubTransport{}
	r.Register(conn("shopping", "alice", h))

	c, ok := r.UnregisterID("shopping.alice")
	require.True(t, ok)
	require.Same(t, h, c.Handle)

	_, ok = r.Lookup(h)
	require.False(t, ok)
	_, ok = r.UnregisterID("shopping.alice")
	require.False(t, ok)
}

func TestRegistry_SendText(t *testing.T) {
	r := New(nil)
	ok := &stubTransport{}
	broken := &stubTransport{fail: true}
	r.Register(conn("shopping", "alice", ok))
	r.Register(conn("shopping", "bob", broken))

	ctx := context.Background()
	require.True(t, r.SendText(ctx, "shopping.alice", "hello"))
	require.False(t, r.SendText(ctx, "shopping.bob", "hello"), "transport rejection")
	require.False(t, r.SendText(ctx, "shopping.carol", "hello"), "not registered")
	require.Equal(t, []string{"hello"}, ok.msgs)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := &stubTransport{}
			owner := string(rune('a' + i%26))
			r.Register(conn("c", owner+string(rune('0'+i/26)), h))
			r.SendText(context.Background(), types.ConnectionID("c", owner), "x")
			r.Unregister(h)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, r.Len())
}

func TestRegistry_UnderscoreNamesDoNotCollide(t *testing.T) {
	r := New(nil)
	first := &stubTransport{}
	second := &stubTransport{}

	require.Nil(t, r.Register(conn("a_b", "c", first)))
	require.Nil(t, r.Register(conn("a", "b_c", second)), "distinct channel/owner pairs must not replace each other")
	require.Equal(t, 2, r.Len())

	require.True(t, r.SendText(context.Background(), types.ConnectionID("a_b", "c"), "for a_b"))
	require.Equal(t, []string{"for a_b"}, first.msgs)
	require.Empty(t, second.msgs)
}
