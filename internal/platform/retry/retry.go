// Package retry runs optimistic read-compute-write cycles a bounded number of
// times, sleeping a jittered backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at 40ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 40 * time.Millisecond, MaxDelay: time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the jittered delay before attempt n+1, given that attempt n
// (1-based) failed. The delay doubles per attempt and lands uniformly in
// [d/2, d].
func (p Policy) Backoff(n int) time.Duration {
	p = p.normalized()
	if p.BaseDelay == 0 {
		return 0
	}
	d := p.BaseDelay << (n - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// ExhaustedError is returned when every attempt hit a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do calls fn until it succeeds, returns a non-retryable error, the context is
// done, or the policy runs out of attempts. Compute failures inside
// Optimistic are never retried, whatever retryable says. onRetry, when set, is called
// before each sleep.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error)) error {
	p = p.normalized()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		var nr nonRetryable
		if errors.As(last, &nr) || !retryable(last) {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, last)
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

// Optimistic runs compute then write, redoing both whenever write fails with
// a conflict. compute sees fresh state on every attempt.
func Optimistic[T any](
	ctx context.Context,
	p Policy,
	isConflict func(error) bool,
	compute func(ctx context.Context) (T, error),
	write func(ctx context.Context, candidate T) error,
	onRetry func(attempt int, err error),
) (T, error) {
	var result T
	err := Do(ctx, p, isConflict, func(ctx context.Context, _ int) error {
		candidate, err := compute(ctx)
		if err != nil {
			return nonRetryable{err}
		}
		if err := write(ctx, candidate); err != nil {
			return err
		}
		result = candidate
		return nil
	}, onRetry)
	if nr, ok := err.(nonRetryable); ok {
		err = nr.err
	}
	return result, err
}

// nonRetryable marks an error Do returns without consulting the retry
// predicate.
type nonRetryable struct{ err error }

func (n nonRetryable) Error() string { return n.err.Error() }

func (n nonRetryable) Unwrap() error { return n.err }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
