package connector

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 3, ResetAfter: time.Hour})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if ok, _ := cb.Allow(); !ok {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i+1)
		}
	}

	cb.RecordFailure()
	if ok, err := cb.Allow(); ok {
		t.Fatal("circuit should be open after threshold failures")
	} else if err == nil {
		t.Fatal("open circuit should return an error")
	}
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Millisecond})
	cb.RecordFailure()

	time.Sleep(5 * time.Millisecond)

	// First request after the reset window is the test request.
	if ok, _ := cb.Allow(); !ok {
		t.Fatal("expected test request to be allowed after reset window")
	}
	if cb.State() != CircuitHalfOpen {
		t.Errorf("state = %s, want half-open", cb.State())
	}

	// Concurrent requests are rejected while testing.
	if ok, _ := cb.Allow(); ok {
		t.Error("half-open circuit should reject additional requests")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("state after success = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Millisecond})
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)

	if ok, _ := cb.Allow(); !ok {
		t.Fatal("expected test request to be allowed")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("state = %s, want open after failed test request", cb.State())
	}
}
