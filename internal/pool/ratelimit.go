// Package pool manages the set of remote-backend accounts behind the
// erasure-coded stripe layout: per-account concurrency limits, rate
// limiting, health state, and routing around accounts that are down.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// RateLimiter is a token-bucket limiter bounding both concurrency and
// throughput against one account, grounded on
// original_source/src/telegram/rate_limit.rs's RateLimiter: a counting
// semaphore for concurrency plus a minimum inter-operation delay for
// pacing, re-expressed with golang.org/x/sync/semaphore instead of a
// hand-rolled permit type.
type RateLimiter struct {
	sem        *semaphore.Weighted
	minDelay   atomic.Int64 // nanoseconds
	mu         sync.Mutex
	lastOp     time.Time
	nowFunc    func() time.Time
	sleepFunc  func(time.Duration)
}

// NewRateLimiter builds a limiter allowing maxConcurrent simultaneous
// operations, paced to opsPerSecond (0 disables pacing).
func NewRateLimiter(maxConcurrent int64, opsPerSecond float64) *RateLimiter {
	r := &RateLimiter{
		sem:       semaphore.NewWeighted(maxConcurrent),
		lastOp:    time.Now(),
		nowFunc:   time.Now,
		sleepFunc: time.Sleep,
	}
	r.minDelay.Store(delayFromRate(opsPerSecond))
	return r
}

// Unlimited builds a limiter with generous concurrency and no pacing, for
// tests and for accounts whose backend imposes no meaningful rate limit.
func Unlimited() *RateLimiter {
	return NewRateLimiter(100, 0)
}

func delayFromRate(opsPerSecond float64) int64 {
	if opsPerSecond <= 0 {
		return 0
	}
	return int64(float64(time.Second) / opsPerSecond)
}

// Acquire blocks until both a concurrency slot and the pacing delay have
// been satisfied, returning a release func the caller must invoke exactly
// once (mirroring the donor's RateLimitGuard's drop-releases semantics).
func (r *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	delay := time.Duration(r.minDelay.Load())
	if delay > 0 {
		r.mu.Lock()
		elapsed := r.nowFunc().Sub(r.lastOp)
		if elapsed < delay {
			wait := delay - elapsed
			r.mu.Unlock()
			r.sleepFunc(wait)
			r.mu.Lock()
		}
		r.lastOp = r.nowFunc()
		r.mu.Unlock()
	}

	return func() { r.sem.Release(1) }, nil
}

// IncreaseDelay multiplies the current pacing delay by factor, capping at
// 10s, for backoff after a remote account starts returning transient errors.
func (r *RateLimiter) IncreaseDelay(factor float64) {
	current := r.minDelay.Load()
	next := int64(float64(current) * factor)
	const cap = int64(10 * time.Second)
	if next > cap {
		next = cap
	}
	r.minDelay.Store(next)
}

// ResetDelay restores pacing to opsPerSecond, undoing any IncreaseDelay.
func (r *RateLimiter) ResetDelay(opsPerSecond float64) {
	r.minDelay.Store(delayFromRate(opsPerSecond))
}

// ExponentialBackoff hands out successively longer delays up to a fixed
// attempt budget, grounded on the donor's ExponentialBackoff: base delay
// doubling each attempt, capped at 60s, exhausted after maxAttempts.
type ExponentialBackoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

// NewExponentialBackoff builds a backoff starting at baseDelayMs milliseconds.
func NewExponentialBackoff(baseDelayMs int, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		baseDelay:   time.Duration(baseDelayMs) * time.Millisecond,
		maxDelay:    60 * time.Second,
		maxAttempts: maxAttempts,
	}
}

// NextDelay returns the next backoff delay, or ok=false once maxAttempts
// has been reached.
func (b *ExponentialBackoff) NextDelay() (delay time.Duration, ok bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	shift := b.attempt
	if shift > 32 {
		shift = 32
	}
	delay = b.baseDelay * time.Duration(uint64(1)<<uint(shift))
	b.attempt++
	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay, true
}

// Reset zeroes the attempt counter.
func (b *ExponentialBackoff) Reset() {
	b.attempt = 0
}

// HasAttempts reports whether NextDelay would still succeed.
func (b *ExponentialBackoff) HasAttempts() bool {
	return b.attempt < b.maxAttempts
}
