package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerState_String(t *testing.T) {
	tests := []struct {
		state ListenerState
		want  string
	}{
		{ListenerStarting, "Starting"},
		{ListenerPolling, "Polling"},
		{ListenerStopping, "Stopping"},
		{ListenerStopped, "Stopped"},
		{ListenerState(42), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestListenerState_CanTransitionTo(t *testing.T) {
	require.True(t, ListenerStarting.CanTransitionTo(ListenerPolling))
	require.True(t, ListenerStarting.CanTransitionTo(ListenerStopping))
	require.True(t, ListenerPolling.CanTransitionTo(ListenerStopping))
	require.True(t, ListenerStopping.CanTransitionTo(ListenerStopped))

	require.False(t, ListenerPolling.CanTransitionTo(ListenerStarting))
	require.False(t, ListenerStarting.CanTransitionTo(ListenerStopped))
	require.False(t, ListenerStopped.CanTransitionTo(ListenerStarting))
	require.False(t, ListenerStopped.CanTransitionTo(ListenerPolling))
}

func TestNamingHelpers(t *testing.T) {
	require.Equal(t, "shopping.alice", StreamKey("shopping", "alice"))
	require.Equal(t, "shopping.alice", ConnectionID("shopping", "alice"))
	require.Equal(t, "consumer_w1_alice", ConsumerName("w1", "alice"))

	t.Run("underscores in names stay unambiguous", func(t *testing.T) {
		require.NotEqual(t, StreamKey("a_b", "c"), StreamKey("a", "b_c"))
		require.NotEqual(t, ConnectionID("a_b", "c"), ConnectionID("a", "b_c"))
		require.NotEqual(t, StreamKey("a.b", "c"), StreamKey("a", "b.c"))
	})
}

func TestSentinelErrors(t *testing.T) {
	t.Run("wrapped errors keep identity", func(t *testing.T) {
		wrapped := fmt.Errorf("append to shopping_alice: %w", ErrBrokerUnavailable)
		require.ErrorIs(t, wrapped, ErrBrokerUnavailable)
		require.NotErrorIs(t, wrapped, ErrGroupNotFound)
	})

	t.Run("all errors are distinct", func(t *testing.T) {
		allErrors := []error{
			ErrInvalidConfig,
			ErrNATSConnectionRequired,
			ErrAlreadyStarted,
			ErrNotStarted,
			ErrEngineStopped,
			ErrInvalidChannel,
			ErrInvalidOwner,
			ErrTransportRequired,
			ErrBrokerUnavailable,
			ErrGroupNotFound,
			ErrInvalidStreamKey,
			ErrDeferredQueueFull,
			ErrListenerStopped,
			ErrListenerAlreadyStarted,
		}

		for i, a := range allErrors {
			for j, b := range allErrors {
				if i == j {
					continue
				}
				require.False(t, errors.Is(a, b), "%v should not match %v", a, b)
			}
		}
	})
}
