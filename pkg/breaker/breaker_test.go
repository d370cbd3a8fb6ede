package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("provider", Config{FailureThreshold: 3, Cooldown: time.Minute})

	boom := errors.New("send failed")
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected wrapped op error, got %v", i, err)
		}
	}

	if b.State() != "open" {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	t.Run("CanExecute short-circuits when open", func(t *testing.T) {
		err := b.CanExecute()
		if !IsExternalServiceError(err) {
			t.Fatalf("expected ExternalServiceError, got %v", err)
		}
	})

	t.Run("Execute rejects without running op", func(t *testing.T) {
		ran := false
		err := b.Execute(func() error { ran = true; return nil })
		if !IsExternalServiceError(err) {
			t.Fatalf("expected ExternalServiceError, got %v", err)
		}
		if ran {
			t.Error("op must not run while the circuit is open")
		}
	})
}

func TestBreakerSuccessKeepsClosed(t *testing.T) {
	b := New("provider", Config{FailureThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 10; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("expected closed, got %s", b.State())
	}

	// A single failure below the threshold does not trip.
	_ = b.Execute(func() error { return errors.New("blip") })
	if b.State() != "closed" {
		t.Errorf("expected closed after one failure, got %s", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New("ocr", Config{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})

	_ = b.Execute(func() error { return errors.New("down") })
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(60 * time.Millisecond)

	t.Run("successful probe closes the circuit", func(t *testing.T) {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe failed: %v", err)
		}
		if b.State() != "closed" {
			t.Errorf("expected closed after successful probe, got %s", b.State())
		}
	})
}

func TestExternalServiceError(t *testing.T) {
	inner := errors.New("root cause")
	err := error(&ExternalServiceError{Service: "provider", Reason: "circuit open", Err: inner})

	if !errors.Is(err, inner) {
		t.Error("expected Unwrap to expose the inner error")
	}
	if !IsExternalServiceError(err) {
		t.Error("IsExternalServiceError must match")
	}
	if IsExternalServiceError(inner) {
		t.Error("IsExternalServiceError must not match plain errors")
	}
}
