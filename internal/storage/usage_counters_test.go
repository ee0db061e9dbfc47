package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCounters(t *testing.T) (*UsageCounters, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return NewUsageCounters(NewRedisCacheFromClient(client)), mr
}

func TestUsageCountersIncrAndRead(t *testing.T) {
	counters, _ := setupTestCounters(t)
	ctx := testContext(t)
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, counters.IncrCall(ctx, day, "env-1", 120, 400))
	require.NoError(t, counters.IncrCall(ctx, day, "env-1", 80, 100))
	require.NoError(t, counters.IncrCall(ctx, day, "env-2", 10, 20))

	got, err := counters.GetDay(ctx, day)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(2), got["env-1"].Requests)
	assert.Equal(t, int64(200), got["env-1"].InputTokens)
	assert.Equal(t, int64(500), got["env-1"].OutputTokens)
	assert.Equal(t, int64(1), got["env-2"].Requests)
}

func TestUsageCountersDaysAreIsolated(t *testing.T) {
	counters, _ := setupTestCounters(t)
	ctx := testContext(t)

	monday := time.Date(2026, 3, 16, 23, 59, 0, 0, time.UTC)
	tuesday := time.Date(2026, 3, 17, 0, 1, 0, 0, time.UTC)

	require.NoError(t, counters.IncrCall(ctx, monday, "env-1", 1, 1))
	require.NoError(t, counters.IncrCall(ctx, tuesday, "env-1", 2, 2))

	got, err := counters.GetDay(ctx, monday)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got["env-1"].Requests)
}

func TestUsageCountersExpire(t *testing.T) {
	counters, mr := setupTestCounters(t)
	ctx := testContext(t)
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, counters.IncrCall(ctx, day, "env-1", 1, 1))

	// The day key carries a TTL so stale days clean themselves up.
	ttl := mr.TTL(usageDayKey(day))
	assert.Greater(t, ttl, time.Hour)

	mr.FastForward(usageDayTTL + time.Minute)

	got, err := counters.GetDay(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUsageCountersEmptyDay(t *testing.T) {
	counters, _ := setupTestCounters(t)
	ctx := testContext(t)

	got, err := counters.GetDay(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}
