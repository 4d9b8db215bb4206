package llm

import (
	"sync"
	"time"
)

// CircuitState is the breaker's position in the closed -> open -> half-open
// cycle.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns a human-readable label for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the LLM server endpoint. Once consecutive failures
// reach the threshold the circuit opens, and subsequent generate calls fail
// fast with a connection error instead of queueing behind a dead backend.
// After the recovery timeout the circuit turns half-open and lets calls
// through; the number of calls admitted while half-open is not limited to
// one. The next recorded outcome decides whether the circuit closes again or
// re-opens.
type CircuitBreaker struct {
	mu          sync.RWMutex
	state       CircuitState
	failures    int
	threshold   int
	recovery    time.Duration
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and probes again after the recovery timeout.
func NewCircuitBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		recovery:  recovery,
	}
}

// Allow reports whether a gateway call may proceed. An open circuit turns
// half-open once the recovery timeout has elapsed, and every call is then
// allowed until an outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.recovery {
		cb.state = CircuitHalfOpen
	}
	return cb.state != CircuitOpen
}

// RecordSuccess resets the failure streak. A successful half-open probe
// closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure counts one failed call. A failed half-open probe re-opens
// the circuit immediately, without waiting for the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
