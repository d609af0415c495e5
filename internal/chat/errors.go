package chat

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions chat API failures by how the retrier should react.
type Class int

const (
	// Transient failures (timeouts, 5xx) are retried with backoff.
	Transient Class = iota
	// RateLimited failures are retried after the platform-provided delay.
	RateLimited
	// Permanent failures (bad channel, revoked token, oversized message)
	// are never retried.
	Permanent
)

// Error is the failure type returned by Notifier implementations.
type Error struct {
	Class Class

	// Op names the API call that failed, e.g. "postMessage".
	Op string

	// RetryAfter is the platform-mandated wait before the next attempt.
	// Only meaningful when Class is RateLimited.
	RetryAfter time.Duration

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	switch e.Class {
	case RateLimited:
		return fmt.Sprintf("chat: %s rate limited (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	case Permanent:
		return fmt.Sprintf("chat: %s permanently failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("chat: %s failed: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the failure class from any error chain. Errors that are
// not *Error (network-level failures surfaced raw) count as Transient.
func Classify(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Transient
}

// retryAfter returns the mandated delay for a rate-limited error, or zero.
func retryAfter(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.Class == RateLimited {
		return ce.RetryAfter
	}
	return 0
}
