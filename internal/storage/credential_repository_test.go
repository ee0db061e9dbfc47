package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/models"
)

func testCredentialRow(label string) *models.Credential {
	return &models.Credential{
		ID:              "sk-test-" + uuid.NewString(),
		Label:           label,
		Status:          models.CredentialIdle,
		DailyResetAt:    time.Now().UTC(),
		DailyQuotaLimit: 20,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestCredentialRepositoryInsertLeavesExistingUntouched(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := testContext(t)

	cred := testCredentialRow("integration")
	require.NoError(t, repo.Insert(ctx, cred))
	t.Cleanup(func() { _ = repo.Delete(testContext(t), cred.ID) })

	// Mark it dead, then re-insert the pristine seed row: the dead status
	// must survive, otherwise a restart would resurrect revoked keys.
	require.NoError(t, repo.UpdateHealth(ctx, cred.ID, models.CredentialDead, 4))
	require.NoError(t, repo.Insert(ctx, cred))

	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialDead, got.Status)
	assert.Equal(t, 4, got.ConsecutiveFailures)
}

func TestCredentialRepositorySaveUpserts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := testContext(t)

	cred := testCredentialRow("counters")
	t.Cleanup(func() { _ = repo.Delete(testContext(t), cred.ID) })

	// Save with no prior insert creates the row.
	cred.LifetimeUsageCount = 7
	cred.InputTokens = 100
	require.NoError(t, repo.Save(ctx, cred))

	// Save again overwrites the counters.
	cred.LifetimeUsageCount = 9
	cred.InputTokens = 250
	require.NoError(t, repo.Save(ctx, cred))

	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.LifetimeUsageCount)
	assert.Equal(t, int64(250), got.InputTokens)
}

func TestCredentialRepositoryListAndDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepository(db)
	ctx := testContext(t)

	cred := testCredentialRow("listed")
	require.NoError(t, repo.Insert(ctx, cred))

	rows, err := repo.List(ctx)
	require.NoError(t, err)

	found := false
	for _, row := range rows {
		if row.ID == cred.ID {
			found = true
		}
	}
	assert.True(t, found, "inserted credential should appear in List")

	require.NoError(t, repo.Delete(ctx, cred.ID))
	assert.ErrorIs(t, repo.Delete(ctx, cred.ID), ErrNotFound)
}
