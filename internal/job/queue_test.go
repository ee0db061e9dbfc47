package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

func TestNewQueueRequiresStore(t *testing.T) {
	_, err := NewQueue(nil, logging.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job store is required")
}

func TestQueueEnqueue(t *testing.T) {
	store := newFakeJobStore()
	q, err := NewQueue(store, logging.Default())
	require.NoError(t, err)

	job, err := q.Enqueue(context.Background(), "user-7", models.JobTypeGeneratePlan, json.RawMessage(`{"subject":"algebra"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, "user-7", job.UserRef)
	assert.Equal(t, 0, job.Attempts)

	got := store.get(t, job.ID)
	assert.Equal(t, models.JobTypeGeneratePlan, got.Type)
	assert.JSONEq(t, `{"subject":"algebra"}`, string(got.Payload))
}

func TestQueueEnqueueDefaultsEmptyPayload(t *testing.T) {
	store := newFakeJobStore()
	q, err := NewQueue(store, logging.Default())
	require.NoError(t, err)

	job, err := q.Enqueue(context.Background(), "user-7", models.JobTypeReminderSweep, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(store.get(t, job.ID).Payload))
}

func TestQueueEnqueueRequiresType(t *testing.T) {
	q, err := NewQueue(newFakeJobStore(), logging.Default())
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "user-7", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job type is required")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(ctx context.Context, job *models.Job) error { return nil })

	require.NoError(t, r.Register("generate_plan", noop))
	require.NoError(t, r.Register("reminder_sweep", noop))

	t.Run("duplicate registration fails", func(t *testing.T) {
		err := r.Register("generate_plan", noop)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty type fails", func(t *testing.T) {
		assert.Error(t, r.Register("", noop))
	})

	t.Run("nil handler fails", func(t *testing.T) {
		assert.Error(t, r.Register("nightly_analysis", nil))
	})

	t.Run("lookup", func(t *testing.T) {
		_, ok := r.Lookup("generate_plan")
		assert.True(t, ok)
		_, ok = r.Lookup("unknown")
		assert.False(t, ok)
	})

	t.Run("types are sorted", func(t *testing.T) {
		assert.Equal(t, []string{"generate_plan", "reminder_sweep"}, r.Types())
	})
}
