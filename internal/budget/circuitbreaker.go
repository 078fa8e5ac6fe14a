package budget

import (
	"sync"
	"time"
)

// Circuit breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

// CircuitBreaker is a per-agent circuit breaker over dispatches to the
// external agent runtime: after failureThreshold consecutive Upstream
// failures for an agent, further dispatches short-circuit immediately
// until resetTimeout elapses, at which point one trial dispatch is
// allowed through (half-open) before fully closing again on success.
// Grounded on Kocoro-lab/Shannon's budget.CircuitBreaker.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state       string
	failures    int
	openedAt    time.Time
	now         func() time.Time
}

// NewCircuitBreaker constructs a closed breaker with the given threshold
// and reset timeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            breakerClosed,
		now:              time.Now,
	}
}

// WithBreakerClock injects a deterministic now() function for tests.
func (cb *CircuitBreaker) WithBreakerClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a dispatch should proceed. In the open state,
// Allow transitions to half-open once resetTimeout has elapsed and
// permits exactly one trial dispatch.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		return false // a trial dispatch is already in flight
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failures = 0
}

// RecordFailure increments the failure count; once it reaches
// failureThreshold (or the trial half-open dispatch fails), the breaker
// opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerHalfOpen {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
		return
	}

	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// State returns the breaker's current state, for diagnostics.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Breakers is a registry of per-agent CircuitBreakers, keyed by agent ID.
type Breakers struct {
	mu       sync.Mutex
	entries  map[string]*CircuitBreaker
	threshold int
	reset     time.Duration
}

// NewBreakers constructs a registry that lazily creates a CircuitBreaker
// per agent ID on first use, with the given threshold/reset timeout.
func NewBreakers(failureThreshold int, resetTimeout time.Duration) *Breakers {
	return &Breakers{
		entries:   make(map[string]*CircuitBreaker),
		threshold: failureThreshold,
		reset:     resetTimeout,
	}
}

// For returns the CircuitBreaker for agentID, creating it if absent.
func (b *Breakers) For(agentID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.entries[agentID]
	if !ok {
		cb = NewCircuitBreaker(b.threshold, b.reset)
		b.entries[agentID] = cb
	}
	return cb
}
