package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{ConsecutiveFailThreshold: 3, OpenStateDuration: time.Minute})
	require.NoError(t, b.Allow())
	require.False(t, b.RecordFailure())
	require.False(t, b.RecordFailure())
	require.True(t, b.RecordFailure())
	require.True(t, b.Open())
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := New(Config{ConsecutiveFailThreshold: 1, OpenStateDuration: 10 * time.Millisecond})
	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
}

func TestBreakerRecordSuccessResets(t *testing.T) {
	b := New(Config{ConsecutiveFailThreshold: 2, OpenStateDuration: time.Minute})
	b.RecordFailure()
	b.RecordSuccess()
	require.False(t, b.Open())
	require.False(t, b.RecordFailure())
}
