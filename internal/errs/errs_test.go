package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	base := New(KindNotFound, "wallet not found")
	wrapped := fmt.Errorf("lookup failed: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("want KindNotFound, got %s", got)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("want KindInternal, got %s", got)
	}
}

func TestIsTransientSurvivesWrapping(t *testing.T) {
	transient := NewTransientError(errors.New("provider unreachable"))
	wrapped := fmt.Errorf("provider failed: %w", transient)

	if !IsTransient(wrapped) {
		t.Fatalf("expected IsTransient to see through %%w wrapping")
	}
}

func TestGetRetryAfter(t *testing.T) {
	transient := NewTransientErrorWithRetry(errors.New("rate limited"), 2*time.Second)
	wrapped := fmt.Errorf("call failed: %w", transient)

	if got := GetRetryAfter(wrapped); got != 2*time.Second {
		t.Fatalf("want 2s, got %v", got)
	}

	if got := GetRetryAfter(errors.New("no hint")); got != 0 {
		t.Fatalf("want 0 for non-transient error, got %v", got)
	}
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(5, time.Millisecond, 10*time.Millisecond, func(int) error {
		attempts++
		return New(KindValidation, "bad input")
	})
	if attempts != 1 {
		t.Fatalf("want 1 attempt for non-retryable error, got %d", attempts)
	}
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRetryWithBackoffRetriesStorageErrors(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(3, time.Millisecond, 5*time.Millisecond, func(int) error {
		attempts++
		return New(KindStorage, "db locked")
	})
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
}

func TestRetryWithBackoffSucceedsEventually(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(3, time.Millisecond, 5*time.Millisecond, func(int) error {
		attempts++
		if attempts < 2 {
			return New(KindExternal, "timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts, got %d", attempts)
	}
}
