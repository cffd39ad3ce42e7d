package client

import (
	"fmt"
	"testing"
	"time"
)

func TestCircuitBreaker(t *testing.T) {
	// Configure for fast testing: 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	// Initial State: Closed
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Should allow requests in Closed state")
	}

	// Trigger Failures
	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Errorf("Should remain Closed after 2 failures")
	}

	cb.Failure()
	// Should trip now (3 failures)
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after 3 failures")
	}
	if cb.Allow() {
		t.Error("Should NOT allow requests in Open state")
	}

	// Wait for timeout (Half-Open)
	time.Sleep(150 * time.Millisecond)

	// First call should probe (allow) and transit to Half-Open
	if !cb.Allow() {
		t.Error("Should allow probe request after timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen state, got %v", cb.State())
	}

	// Case A: Probe Fails -> Open again
	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after probe failure")
	}

	// Wait again
	time.Sleep(150 * time.Millisecond)
	cb.Allow() // Trigger Half-Open

	// Case B: Probe Succeeds -> Closed
	cb.Success()
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state after probe success")
	}
	if cb.failures != 0 {
		t.Errorf("Failures should be reset")
	}
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)

	boom := fmt.Errorf("boom")
	if err := cb.Do(func() error { return boom }); err != boom {
		t.Errorf("Expected wrapped fn error, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after trip")
	}

	// Open circuit short-circuits without calling fn
	called := false
	err := cb.Do(func() error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestCircuitBreaker_DoSuccess(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	cb.Failure()
	cb.Failure()

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if cb.failures != 0 {
		t.Errorf("Success should reset the failure count")
	}
}
