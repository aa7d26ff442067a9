package calendar

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds every provider call: a per-attempt timeout and a capped number
// of exponentially spaced retries for transient failures.
type RetryPolicy struct {
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a client is built without one.
var DefaultRetryPolicy = RetryPolicy{
	Timeout:         10 * time.Second,
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     8 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Do runs fn until it succeeds, fails permanently or the retry budget is spent.
// Exhausted transient failures are returned as *TransientError.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	attempts := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && IsTransient(lastErr) {
		return &TransientError{Op: op, Attempts: attempts, Err: lastErr}
	}
	return err
}
