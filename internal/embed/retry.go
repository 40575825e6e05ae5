package embed

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Retry tuning for embedding calls. Backoff is linear: attempt n waits
// n * Backoff before retrying.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 800 * time.Millisecond
)

// IsTransient reports whether an embedding failure is worth retrying:
// rate limits, upstream unavailability, gateway timeouts, and request
// timeouts. Auth and validation failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 429, 503, 504:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

// RetryPolicy retries transient failures with linear backoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Classify decides retryability; nil means IsTransient.
	Classify func(error) bool
}

// DefaultRetryPolicy returns the policy used for embedding calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// Do runs fn until it succeeds, fails non-transiently, exhausts attempts, or
// the context ends. The last error is returned unwrapped so callers can still
// classify it.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return lastErr
}
