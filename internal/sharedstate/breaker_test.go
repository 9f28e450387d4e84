package sharedstate

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	breaker := newCircuitBreaker(3, 50*time.Millisecond)

	for i := 0; i < 2; i++ {
		breaker.recordFailure()
		if breaker.isOpen() {
			t.Fatalf("breaker should remain closed before threshold, failure %d", i)
		}
	}

	breaker.recordFailure()
	if !breaker.isOpen() {
		t.Fatalf("expected breaker to open after reaching failure threshold")
	}
}

func TestCircuitBreakerResetsAfterTimeout(t *testing.T) {
	breaker := newCircuitBreaker(1, 20*time.Millisecond)
	breaker.recordFailure()
	if !breaker.isOpen() {
		t.Fatalf("expected breaker open immediately after threshold failure")
	}

	time.Sleep(30 * time.Millisecond)
	if breaker.isOpen() {
		t.Fatalf("expected breaker to allow a trial call after reset timeout")
	}
}

func TestCircuitBreakerSuccessCloses(t *testing.T) {
	breaker := newCircuitBreaker(1, time.Hour)
	breaker.recordFailure()
	if !breaker.isOpen() {
		t.Fatalf("expected breaker open")
	}
	breaker.recordSuccess()
	if breaker.isOpen() {
		t.Fatalf("expected success to close the breaker immediately")
	}
}

func TestCircuitBreakerForceOpenHoldsDespiteResetTimeout(t *testing.T) {
	breaker := newCircuitBreaker(5, 10*time.Millisecond)
	breaker.forceOpenFor(50 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !breaker.isOpen() {
		t.Fatalf("expected forced-open window to outlast the normal reset timeout")
	}
}
