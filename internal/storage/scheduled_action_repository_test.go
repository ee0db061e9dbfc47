package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/models"
)

func insertTestAction(t *testing.T, repo *ScheduledActionRepository, executeAt time.Time) *models.ScheduledAction {
	t.Helper()

	action := &models.ScheduledAction{
		ID:        uuid.NewString(),
		UserRef:   "user-" + uuid.NewString()[:8],
		ExecuteAt: executeAt,
		Status:    models.ActionPending,
		Title:     "Review session",
		Message:   "Time to review chapter 4",
		Meta:      json.RawMessage(`{"channel":"push"}`),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(testContext(t), action))
	t.Cleanup(func() {
		_, _ = repo.db.Pool().Exec(testContext(t), `DELETE FROM scheduled_actions WHERE id = $1`, action.ID)
	})
	return action
}

func TestScheduledActionRepositorySelectDue(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledActionRepository(db)
	ctx := testContext(t)

	now := time.Now().UTC()
	due := insertTestAction(t, repo, now.Add(-time.Minute))
	insertTestAction(t, repo, now.Add(time.Hour)) // not due yet

	actions, err := repo.SelectDue(ctx, now, 100)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, a := range actions {
		ids[a.ID] = true
		assert.True(t, a.ExecuteAt.Before(now) || a.ExecuteAt.Equal(now))
	}
	assert.True(t, ids[due.ID], "past-due action should be selected")
}

func TestScheduledActionRepositoryClaimOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledActionRepository(db)
	ctx := testContext(t)

	action := insertTestAction(t, repo, time.Now().UTC().Add(-time.Minute))

	claimed, err := repo.ClaimPending(ctx, action.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimPending(ctx, action.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "an action completes at most once")

	got, err := repo.GetByID(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestScheduledActionRepositoryListByUser(t *testing.T) {
	db := setupTestDB(t)
	repo := NewScheduledActionRepository(db)
	ctx := testContext(t)

	action := insertTestAction(t, repo, time.Now().UTC().Add(time.Hour))

	actions, err := repo.ListByUser(ctx, action.UserRef, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.ID, actions[0].ID)
}
