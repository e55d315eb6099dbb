package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid request")
	calls := 0

	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0

	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return Transientf("connection reset")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	transient := Transientf("upstream 503")
	calls := 0

	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return transient
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond}, func() error {
		return Transientf("timeout")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain errors must not be transient")
	}
	wrapped := Transient(errors.New("inner"))
	if !IsTransient(wrapped) {
		t.Fatal("marked errors must be transient")
	}
	// Marker survives another layer of wrapping.
	if !IsTransient(errWrap(wrapped)) {
		t.Fatal("transient marker should survive wrapping")
	}
}

func errWrap(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }

func TestDeterministicKey_IsStable(t *testing.T) {
	a := DeterministicKey("user-1", "data", "08031234567", "plan-x")
	b := DeterministicKey("user-1", "data", "08031234567", "plan-x")
	c := DeterministicKey("user-1", "data", "08031234567", "plan-y")

	if a != b {
		t.Fatalf("same inputs must derive the same key: %q vs %q", a, b)
	}
	if a == c {
		t.Fatal("different inputs must derive different keys")
	}
}

func TestNewKey_Unique(t *testing.T) {
	if NewKey() == NewKey() {
		t.Fatal("random keys must not collide")
	}
}
