package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	var transitions []State
	cb := New(Config{
		MaxFailures: 2,
		OnStateChange: func(_ State, to State) {
			transitions = append(transitions, to)
		},
	})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Contains(t, transitions, StateOpen)
}

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())
}
