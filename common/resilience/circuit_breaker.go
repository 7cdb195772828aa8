package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Check while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name for logging
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after failureThreshold consecutive failures and
// half-opens after recoveryTimeout. A success in half-open state closes
// the circuit; a failure re-opens it.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration

	state       State
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// Check returns ErrCircuitOpen while the circuit is open. After
// recoveryTimeout elapses past the last failure the circuit moves to
// half-open and a single probe request is let through.
func (cb *CircuitBreaker) Check() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	}

	return nil
}

// RecordSuccess resets the failure counter and closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure increments the consecutive-failure counter and opens the
// circuit once the threshold is reached. A failure in half-open state
// re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// CurrentState returns the current state
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
