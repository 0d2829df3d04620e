package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks a delivery failure as permanent.
//
// The transport wraps client-side mistakes (malformed URLs, 4xx responses
// other than 429) with NoRetry so the dispatcher abandons the job instead of
// burning attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries an explicit delay hint, typically from an HTTP 429
// Retry-After header. The dispatcher respects the hint bounded by
// RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
