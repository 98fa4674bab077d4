package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyTaxonomyError(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(KindUnavailable, "upstream down", nil))
	if got := Classify(err); got != KindUnavailable {
		t.Fatalf("expected unavailable, got %q", got)
	}
}

func TestClassifyDeadline(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("expected timeout, got %q", got)
	}
}

func TestClassifyUnknownIsInternal(t *testing.T) {
	if got := Classify(errors.New("mystery")); got != KindInternal {
		t.Fatalf("expected internal, got %q", got)
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{KindRateLimited, KindUnavailable, KindNetwork, KindTimeout} {
		if !Retryable(k) {
			t.Fatalf("%q should be retryable", k)
		}
	}
	for _, k := range []Kind{KindValidation, KindAuth, KindNotFound, KindConflict, KindInternal} {
		if Retryable(k) {
			t.Fatalf("%q should not be retryable", k)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("call failed: %w", RateLimited("throttled", 42*time.Second))
	d, ok := RetryAfterHint(err)
	if !ok || d != 42*time.Second {
		t.Fatalf("expected 42s hint, got %v ok=%v", d, ok)
	}
	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Fatalf("plain error must not carry a hint")
	}
}
