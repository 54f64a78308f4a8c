package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/pkg/ratelimit"
)

func newLimiter(t *testing.T) (*miniredis.Miniredis, *ratelimit.Limiter) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return mr, ratelimit.New(rdb)
}

func TestCheckRateLimitAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	_, l := newLimiter(t)

	for i := 0; i < 3; i++ {
		ok, err := l.CheckRateLimit(ctx, "client1", "danbooru", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCheckRateLimitRejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	_, l := newLimiter(t)

	for i := 0; i < 2; i++ {
		_, err := l.CheckRateLimit(ctx, "client1", "danbooru", 2, time.Minute)
		require.NoError(t, err)
	}

	ok, err := l.CheckRateLimit(ctx, "client1", "danbooru", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckRateLimitZeroLimitAlwaysRejects(t *testing.T) {
	ctx := context.Background()
	_, l := newLimiter(t)

	ok, err := l.CheckRateLimit(ctx, "client1", "danbooru", 0, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckRateLimitSetsTTLOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	mr, l := newLimiter(t)

	_, err := l.CheckRateLimit(ctx, "client1", "danbooru", 5, 30*time.Second)
	require.NoError(t, err)

	ttl := mr.TTL("rate:danbooru:client1")
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, 30*time.Second)
}

func TestCheckSlidingWindowDefaultsToGlobal(t *testing.T) {
	ctx := context.Background()
	mr, l := newLimiter(t)

	ok, err := l.CheckSlidingWindow(ctx, "danbooru", "", 5, ratelimit.WindowMinute)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists("rate:danbooru:global"))
}

func TestCheckCompositeRateLimitIncrementsAllEvenIfOneDenies(t *testing.T) {
	ctx := context.Background()
	mr, l := newLimiter(t)

	// Pre-load "b" to its limit so the composite call denies on "b".
	_, err := l.CheckRateLimit(ctx, "b", "danbooru", 1, time.Minute)
	require.NoError(t, err)

	ok, err := l.CheckCompositeRateLimit(ctx, "danbooru", []string{"a", "b"}, 1, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// "a" must still have been incremented despite the overall denial.
	got, err := mr.Get("rate:danbooru:a")
	require.NoError(t, err)
	require.Equal(t, "1", got)
}

func TestGetRateLimitStatsOnUnknownIdentifierIsZero(t *testing.T) {
	ctx := context.Background()
	_, l := newLimiter(t)

	stats, err := l.GetRateLimitStats(ctx, "nobody", "danbooru")
	require.NoError(t, err)
	require.Zero(t, stats.Current)
}

func TestGetRateLimitStatsReflectsCounter(t *testing.T) {
	ctx := context.Background()
	_, l := newLimiter(t)

	for i := 0; i < 3; i++ {
		_, err := l.CheckRateLimit(ctx, "client1", "danbooru", 10, time.Minute)
		require.NoError(t, err)
	}

	stats, err := l.GetRateLimitStats(ctx, "client1", "danbooru")
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Current)
}

func TestResetRateLimitClearsCounter(t *testing.T) {
	ctx := context.Background()
	mr, l := newLimiter(t)

	_, err := l.CheckRateLimit(ctx, "client1", "danbooru", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists("rate:danbooru:client1"))

	require.NoError(t, l.ResetRateLimit(ctx, "client1", "danbooru"))
	require.False(t, mr.Exists("rate:danbooru:client1"))
}
