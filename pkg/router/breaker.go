package router

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker guards a single provider. It trips after a run of
// consecutive transient failures and allows exactly one probe request
// through once its cooldown elapses.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold    int
	cooldown     time.Duration
	state        BreakerState
	failureCount int
	openedAt     time.Time
	probeInUse   bool
}

// NewCircuitBreaker returns a CLOSED breaker with the given failure
// threshold and cooldown before a HALF_OPEN probe is allowed.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed right now, and if so, whether
// it is the single permitted HALF_OPEN probe.
func (b *CircuitBreaker) Allow() (allowed bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if b.probeInUse {
			return false, false
		}
		b.probeInUse = true
		return true, true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probeInUse = true
			return true, true
		}
		return false, false
	}
	return false, false
}

// RecordSuccess reports a successful call. A successful probe closes the
// breaker; a successful call in CLOSED resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.probeInUse = false
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure reports a transient failure. A failed probe reopens the
// breaker; enough consecutive CLOSED failures trip it open.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probeInUse = false
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	}
}

// State returns the breaker's current state, for observability.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
