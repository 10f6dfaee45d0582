package reliability

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second}
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget runs out, or ctx is done. The last error from fn is
// returned unchanged so callers can still match on it.
func Retry[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Retryable reports whether err advertises itself as safe to retry.
func Retryable(err error) bool {
	var r interface{ Temporary() bool }
	if errors.As(err, &r) {
		return r.Temporary()
	}
	return false
}
