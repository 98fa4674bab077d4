package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure for retry decisions.
//
// Propagation contract:
// - Validation and auth failures surface synchronously to the caller. Never retried.
// - Retryable kinds are owned by the dispatcher's backoff loop and must not
//   bubble back into the rule engine.
// - Conflict (idempotency key collision) is treated as success by callers.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// Error is the taxonomy-carrying error. Wrap with E(); inspect with Classify().
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter carries a provider-supplied backoff hint (rate limits only).
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %v", e.Msg, e.Err)
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: wrapped}
}

func Validation(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Msg: msg} }

func Auth(msg string) *Error { return &Error{Kind: KindAuth, Msg: msg} }

func Conflict(msg string) *Error { return &Error{Kind: KindConflict, Msg: msg} }

func RateLimited(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Msg: msg, RetryAfter: retryAfter}
}

// Classify maps an arbitrary error onto the taxonomy.
// Unknown errors are internal (non-retryable) so that bugs fail loudly
// instead of spinning in the retry loop.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindInternal
}

// Retryable reports whether the dispatcher should re-attempt this kind.
func Retryable(k Kind) bool {
	switch k {
	case KindRateLimited, KindUnavailable, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// RetryAfterHint extracts a provider-supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
