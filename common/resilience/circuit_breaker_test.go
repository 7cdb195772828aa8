package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 2*time.Second)

	// Below threshold: still closed
	cb.RecordFailure()
	cb.RecordFailure()
	assert.NoError(t, cb.Check())
	assert.Equal(t, StateClosed, cb.CurrentState())

	// Third consecutive failure trips the breaker
	cb.RecordFailure()
	assert.ErrorIs(t, cb.Check(), ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.CurrentState())
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(3, 2*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// Never three in a row
	assert.NoError(t, cb.Check())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	require.ErrorIs(t, cb.Check(), ErrCircuitOpen)

	// After recovery timeout the probe is let through
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Check())
	assert.Equal(t, StateHalfOpen, cb.CurrentState())

	// Success in half-open closes the circuit
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.NoError(t, cb.Check())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Check())

	cb.RecordFailure()
	assert.ErrorIs(t, cb.Check(), ErrCircuitOpen)
}
