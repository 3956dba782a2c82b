package membership

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_SubscribeUnsubscribe(t *testing.T) {
	tbl := New()

	require.True(t, tbl.Subscribe("shopping", "alice"))
	require.False(t, tbl.Subscribe("shopping", "alice"), "idempotent add")
	require.True(t, tbl.Subscribe("shopping", "bob"))
	require.True(t, tbl.Subscribe("todo", "alice"))

	require.Equal(t, []string{"alice", "bob"}, tbl.MembersOf("shopping"))
	require.Equal(t, []string{"shopping", "todo"}, tbl.ChannelsOf("alice"))
	require.Equal(t, []string{"shopping", "todo"}, tbl.Channels())
	require.True(t, tbl.Contains("shopping", "bob"))

	removed, empty := tbl.Unsubscribe("shopping", "alice")
	require.True(t, removed)
	require.False(t, empty)

	removed, empty = tbl.Unsubscribe("shopping", "alice")
	require.False(t, removed, "idempotent remove")
	require.False(t, empty)

	removed, empty = tbl.Unsubscribe("shopping", "bob")
	require.True(t, removed)
	require.True(t, empty)

	require.Empty(t, tbl.MembersOf("shopping"))
	require.Equal(t, []string{"todo"}, tbl.ChannelsOf("alice"))
	require.Empty(t, tbl.ChannelsOf("bob"))
	require.Equal(t, []string{"todo"}, tbl.Channels())
}

func TestTable_UnsubscribeUnknownChannel(t *testing.T) {
	tbl := New()

	removed, empty := tbl.Unsubscribe("nowhere", "alice")
	require.False(t, removed)
	require.True(t, empty)
}

func TestTable_BidirectionalConsistency(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", i%5)
			channel := fmt.Sprintf("channel-%d", i%3)
			for range 100 {
				tbl.Subscribe(channel, owner)
				tbl.Unsubscribe(channel, owner)
				tbl.Subscribe(channel, owner)
			}
		}(i)
	}
	wg.Wait()

	for _, channel := range tbl.Channels() {
		for _, owner := range tbl.MembersOf(channel) {
			require.Contains(t, tbl.ChannelsOf(owner), channel)
		}
	}
	for i := range 5 {
		owner := fmt.Sprintf("owner-%d", i)
		for _, channel := range tbl.ChannelsOf(owner) {
			require.True(t, tbl.Contains(channel, owner))
		}
	}
}
