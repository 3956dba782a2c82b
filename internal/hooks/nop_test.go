package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/arloliu/fanout/types"
	"github.com/stretchr/testify/require"
)

func TestNewNop(t *testing.T) {
	h := NewNop()

	require.NotNil(t, h.OnListenerStateChanged)
	require.NotNil(t, h.OnError)
	require.NoError(t, h.OnListenerStateChanged(context.Background(), "shopping", types.ListenerStarting, types.ListenerPolling))
	require.NoError(t, h.OnError(context.Background(), errors.New("boom")))
}

func TestWithDefaults(t *testing.T) {
	t.Run("nil hooks", func(t *testing.T) {
		h := WithDefaults(nil)
		require.NotNil(t, h.OnListenerStateChanged)
		require.NotNil(t, h.OnError)
	})

	t.Run("keeps custom callbacks", func(t *testing.T) {
		called := false
		custom := &types.Hooks{
			OnError: func(context.Context, error) error {
				called = true
				return nil
			},
		}

		h := WithDefaults(custom)
		require.NotNil(t, h.OnListenerStateChanged)
		require.NoError(t, h.OnError(context.Background(), errors.New("x")))
		require.True(t, called)
		require.Nil(t, custom.OnListenerStateChanged, "input must not be mutated")
	})
}
