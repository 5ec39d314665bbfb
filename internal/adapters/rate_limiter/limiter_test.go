package rate_limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
)

func newTestLimiter(t *testing.T, rps float64, burst int, wait time.Duration) *Limiter {
	t.Helper()
	limiter := NewLimiter(domain.RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: rps,
		BurstSize:         burst,
		WaitTimeout:       wait,
		CleanupInterval:   time.Minute,
		KeyExpiry:         time.Minute,
	}, nil)
	t.Cleanup(limiter.Stop)
	return limiter
}

func TestWaitUsesBurstThenThrottles(t *testing.T) {
	limiter := newTestLimiter(t, 0.5, 2, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "api.example.com"))
	require.NoError(t, limiter.Wait(ctx, "api.example.com"))
	assert.ErrorIs(t, limiter.Wait(ctx, "api.example.com"), ErrRateLimitExceeded)
	assert.NoError(t, limiter.Wait(ctx, "other.example.com"), "hosts have independent buckets")

	snapshot := limiter.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "api.example.com", snapshot[0].Host)
	assert.Equal(t, int64(2), snapshot[0].AllowedRequests)
	assert.Equal(t, int64(1), snapshot[0].DeniedRequests)
	assert.Equal(t, int64(1), snapshot[1].AllowedRequests)
}

func TestWaitBlocksForNextToken(t *testing.T) {
	limiter := newTestLimiter(t, 20, 1, time.Second)
	ctx := context.Background()
	require.NoError(t, limiter.Wait(ctx, "k"))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "k"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitHonoursCallerCancellation(t *testing.T) {
	limiter := newTestLimiter(t, 0.5, 1, time.Minute)
	require.NoError(t, limiter.Wait(context.Background(), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, limiter.Wait(ctx, "k"), context.Canceled)
}

func TestPerHostOverride(t *testing.T) {
	limiter := NewLimiter(domain.RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
		WaitTimeout:       20 * time.Millisecond,
		PerHost:           []domain.HostRate{{Host: "slow.example.com", RequestsPerSecond: 0.5}},
	}, nil)
	t.Cleanup(limiter.Stop)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "slow.example.com"))
	assert.ErrorIs(t, limiter.Wait(ctx, "slow.example.com"), ErrRateLimitExceeded)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(ctx, "fast.example.com"))
	}
}

func TestSweepForgetsIdleHosts(t *testing.T) {
	limiter := newTestLimiter(t, 10, 10, time.Second)
	require.NoError(t, limiter.Wait(context.Background(), "stale"))

	limiter.sweep(time.Now().Add(30 * time.Second))
	assert.Len(t, limiter.Snapshot(), 1)

	limiter.sweep(time.Now().Add(2 * time.Minute))
	assert.Empty(t, limiter.Snapshot())
}
