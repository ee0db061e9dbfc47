package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/models"
)

func TestNewReconciler(t *testing.T) {
	pool := setupTestPool(t, Config{})
	store := newFakeStore()

	t.Run("returns error for nil config", func(t *testing.T) {
		r, err := NewReconciler(nil)
		assert.Error(t, err)
		assert.Nil(t, r)
	})

	t.Run("returns error for nil pool", func(t *testing.T) {
		r, err := NewReconciler(&ReconcilerConfig{Store: store})
		assert.Error(t, err)
		assert.Nil(t, r)
		assert.Contains(t, err.Error(), "pool is required")
	})

	t.Run("returns error for nil store", func(t *testing.T) {
		r, err := NewReconciler(&ReconcilerConfig{Pool: pool})
		assert.Error(t, err)
		assert.Nil(t, r)
		assert.Contains(t, err.Error(), "store is required")
	})

	t.Run("applies default interval", func(t *testing.T) {
		r, err := NewReconciler(&ReconcilerConfig{Pool: pool, Store: store})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, r.interval)
	})
}

func TestReconcilerAdoptsStoreRows(t *testing.T) {
	store := newFakeStore(&models.Credential{
		ID:        "sk-external-credential-1",
		Label:     "external",
		Status:    models.CredentialIdle,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	pool := setupTestPool(t, Config{Store: store})

	r, err := NewReconciler(&ReconcilerConfig{Pool: pool, Store: store, Interval: time.Minute})
	require.NoError(t, err)

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, 1, pool.Size())

	lease := acquireNow(t, pool)
	assert.Equal(t, "sk-external-credential-1", lease.ID)
	pool.Release(lease.ID, OutcomeSuccess)
}

func TestReconcilerDropsDeletedRows(t *testing.T) {
	store := newFakeStore()
	pool := setupTestPool(t, Config{Store: store})
	require.NoError(t, pool.Add("sk-doomed-credential-01", "doomed"))

	r, err := NewReconciler(&ReconcilerConfig{Pool: pool, Store: store, Interval: time.Minute})
	require.NoError(t, err)

	// The record is younger than the grace window: the async insert could
	// still be in flight, so the first pass must keep it.
	store.mu.Lock()
	delete(store.rows, "sk-doomed-credential-01")
	store.mu.Unlock()

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, 1, pool.Size(), "young records survive a store miss")

	// Age the record past the grace window and the next pass drops it.
	pool.mu.Lock()
	pool.records["sk-doomed-credential-01"].AddedAt = time.Now().Add(-2 * time.Minute)
	pool.mu.Unlock()
	store.mu.Lock()
	delete(store.rows, "sk-doomed-credential-01") // flush re-saved it
	store.mu.Unlock()

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, 0, pool.Size())
}

func TestReconcilerFlushesCounters(t *testing.T) {
	store := newFakeStore()
	pool := setupTestPool(t, Config{Store: store})
	require.NoError(t, pool.Add("sk-counted-credential-1", "counted"))

	lease := acquireNow(t, pool)
	pool.Release(lease.ID, OutcomeSuccess)
	pool.ApplyUsage("sk-counted-credential-1", 100, 300)

	r, err := NewReconciler(&ReconcilerConfig{Pool: pool, Store: store, Interval: time.Minute})
	require.NoError(t, err)
	require.NoError(t, r.Reconcile(context.Background()))

	store.mu.Lock()
	row := store.rows["sk-counted-credential-1"]
	store.mu.Unlock()
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.LifetimeUsageCount)
	assert.Equal(t, 1, row.DailyRequestCount)
	assert.Equal(t, int64(100), row.InputTokens)
	assert.Equal(t, int64(300), row.OutputTokens)
}

func TestReconcilerStartStop(t *testing.T) {
	store := newFakeStore()
	pool := setupTestPool(t, Config{Store: store})

	r, err := NewReconciler(&ReconcilerConfig{Pool: pool, Store: store, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "double start must fail")

	// Let a few passes run, then stop cleanly.
	store.mu.Lock()
	store.rows["sk-background-credential"] = &models.Credential{
		ID:        "sk-background-credential",
		Label:     "background",
		Status:    models.CredentialIdle,
		CreatedAt: time.Now(),
	}
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		return pool.Size() == 1
	}, time.Second, 5*time.Millisecond, "loop should adopt the new row")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.Error(t, r.Stop(stopCtx), "double stop must fail")
}
