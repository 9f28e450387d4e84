package sharedstate

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

// circuitBreaker implements the sliding-failure-counter breaker from
// spec.md §4.1: after failureThreshold consecutive failures it opens for
// resetTimeout, then allows the next call through as a trial.
type circuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration

	state       breakerState
	failures    int
	openedAt    time.Time
	forcedUntil time.Time
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            breakerClosed,
	}
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
	b.forcedUntil = time.Time{}
}

// forceOpenFor holds the breaker open regardless of the normal reset
// timeout, used after exhausting reconnect attempts.
func (b *circuitBreaker) forceOpenFor(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.forcedUntil = time.Now().Add(d)
}

// isOpen reports whether calls should short-circuit. A trial call is
// permitted (returns false) once resetTimeout has elapsed since the
// breaker opened, matching "the next call after reset attempts the store."
func (b *circuitBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerClosed {
		return false
	}
	if !b.forcedUntil.IsZero() && time.Now().Before(b.forcedUntil) {
		return true
	}
	if time.Since(b.openedAt) >= b.resetTimeout {
		return false
	}
	return true
}

func (b *circuitBreaker) stateName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerClosed {
		return "closed"
	}
	return "open"
}
