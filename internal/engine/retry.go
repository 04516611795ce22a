package engine

import (
	"context"
	"time"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/pool"
)

// WithRetry wraps a remote-backend call in exponential backoff capped at
// retryCfg.RetryAttempts, per spec.md §4.10: "each remote-backend call is
// wrapped in exponential backoff... a rate limiter enforces per-account
// max-concurrency and min inter-op delay." Only chunkerr-classified
// retryable errors (KindRemoteTransient) are retried; anything else
// surfaces immediately.
func WithRetry(ctx context.Context, retryCfg config.RetryConfig, fn func(ctx context.Context) error) error {
	backoff := pool.NewExponentialBackoff(retryCfg.RetryBaseDelayMs, retryCfg.RetryAttempts)

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !chunkerr.Retryable(err) {
			return err
		}
		delay, ok := backoff.NextDelay()
		if !ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// WithDeadline runs fn with a per-call deadline applied to ctx, surfacing a
// retryable KindRemoteTransient error if the deadline is exceeded — "each remote-backend
// call carries a deadline; exceeding it surfaces a retryable error"
// (spec.md §5).
func WithDeadline(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return chunkerr.Wrap(chunkerr.KindRemoteTransient, "remote call exceeded deadline", err)
	}
	return err
}
