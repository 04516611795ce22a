package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAcquireReleaseAllowsReuse(t *testing.T) {
	r := NewRateLimiter(1, 0)
	ctx := context.Background()

	release, err := r.Acquire(ctx)
	require.NoError(t, err)
	release()

	release, err = r.Acquire(ctx)
	require.NoError(t, err)
	release()
}

func TestRateLimiterBlocksBeyondConcurrency(t *testing.T) {
	r := NewRateLimiter(1, 0)
	ctx := context.Background()

	release, err := r.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel, err := r.Acquire(ctx)
		require.NoError(t, err)
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have completed while first is held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestRateLimiterRespectsContextCancellation(t *testing.T) {
	r := NewRateLimiter(1, 0)
	ctx, cancel := context.Background(), func() {}
	_ = cancel
	release, err := r.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	_, err = r.Acquire(cctx)
	require.Error(t, err)
}

func TestExponentialBackoffDoublesEachAttempt(t *testing.T) {
	b := NewExponentialBackoff(100, 3)

	d1, ok := b.NextDelay()
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, d1)

	d2, ok := b.NextDelay()
	require.True(t, ok)
	require.Equal(t, 200*time.Millisecond, d2)

	d3, ok := b.NextDelay()
	require.True(t, ok)
	require.Equal(t, 400*time.Millisecond, d3)

	_, ok = b.NextDelay()
	require.False(t, ok)
}

func TestExponentialBackoffReset(t *testing.T) {
	b := NewExponentialBackoff(100, 2)
	b.NextDelay()
	b.NextDelay()
	require.False(t, b.HasAttempts())

	b.Reset()
	require.True(t, b.HasAttempts())
	_, ok := b.NextDelay()
	require.True(t, ok)
}

func TestIncreaseDelayCapsAtTenSeconds(t *testing.T) {
	r := NewRateLimiter(1, 1000) // 1ms delay
	for i := 0; i < 40; i++ {
		r.IncreaseDelay(2.0)
	}
	require.LessOrEqual(t, r.minDelay.Load(), int64(10*time.Second))
}
