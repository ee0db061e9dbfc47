package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/studypilot/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CredentialRepository is the durable mirror of the credential pool. The pool
// owns the live state machine; this repository only makes additions,
// removals, death and counters survive a restart.
type CredentialRepository struct {
	db *PostgresDB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *PostgresDB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// List returns every persisted credential.
func (r *CredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	query := `
		SELECT id, label, status, consecutive_failures, lifetime_usage_count,
		       input_tokens, output_tokens, daily_request_count, daily_reset_at,
		       daily_quota_limit, last_used_at, created_at
		FROM credentials
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var cred models.Credential
		var lastUsedAt *time.Time

		err := rows.Scan(
			&cred.ID,
			&cred.Label,
			&cred.Status,
			&cred.ConsecutiveFailures,
			&cred.LifetimeUsageCount,
			&cred.InputTokens,
			&cred.OutputTokens,
			&cred.DailyRequestCount,
			&cred.DailyResetAt,
			&cred.DailyQuotaLimit,
			&lastUsedAt,
			&cred.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}

		cred.LastUsedAt = lastUsedAt
		creds = append(creds, &cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// Insert creates the row if absent and leaves an existing row untouched, so
// env-seeded credentials never clobber persisted health or counters.
func (r *CredentialRepository) Insert(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (
			id, label, status, consecutive_failures, lifetime_usage_count,
			input_tokens, output_tokens, daily_request_count, daily_reset_at,
			daily_quota_limit, last_used_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cred.ID,
		cred.Label,
		cred.Status,
		cred.ConsecutiveFailures,
		cred.LifetimeUsageCount,
		cred.InputTokens,
		cred.OutputTokens,
		cred.DailyRequestCount,
		cred.DailyResetAt,
		cred.DailyQuotaLimit,
		cred.LastUsedAt,
		cred.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	return nil
}

// Save upserts the full row. Used by the reconciler to flush counters.
func (r *CredentialRepository) Save(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (
			id, label, status, consecutive_failures, lifetime_usage_count,
			input_tokens, output_tokens, daily_request_count, daily_reset_at,
			daily_quota_limit, last_used_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			label = $2, status = $3, consecutive_failures = $4,
			lifetime_usage_count = $5, input_tokens = $6, output_tokens = $7,
			daily_request_count = $8, daily_reset_at = $9,
			daily_quota_limit = $10, last_used_at = $11
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cred.ID,
		cred.Label,
		cred.Status,
		cred.ConsecutiveFailures,
		cred.LifetimeUsageCount,
		cred.InputTokens,
		cred.OutputTokens,
		cred.DailyRequestCount,
		cred.DailyResetAt,
		cred.DailyQuotaLimit,
		cred.LastUsedAt,
		cred.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

// BumpCounters applies one successful call to the persisted usage counters.
func (r *CredentialRepository) BumpCounters(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	query := `
		UPDATE credentials
		SET lifetime_usage_count = lifetime_usage_count + 1,
		    daily_request_count = daily_request_count + 1,
		    input_tokens = input_tokens + $2,
		    output_tokens = output_tokens + $3,
		    last_used_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("failed to bump credential counters: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", models.MaskCredential(id), ErrNotFound)
	}

	return nil
}

// UpdateHealth persists a status transition (dead, revived) without touching
// the usage counters.
func (r *CredentialRepository) UpdateHealth(ctx context.Context, id string, status models.CredentialStatus, failures int) error {
	query := `
		UPDATE credentials
		SET status = $2, consecutive_failures = $3
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, failures)
	if err != nil {
		return fmt.Errorf("failed to update credential health: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", models.MaskCredential(id), ErrNotFound)
	}

	return nil
}

// Delete removes a credential row.
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM credentials WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", models.MaskCredential(id), ErrNotFound)
	}

	return nil
}

// GetByID retrieves one credential row.
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	query := `
		SELECT id, label, status, consecutive_failures, lifetime_usage_count,
		       input_tokens, output_tokens, daily_request_count, daily_reset_at,
		       daily_quota_limit, last_used_at, created_at
		FROM credentials
		WHERE id = $1
	`

	var cred models.Credential
	var lastUsedAt *time.Time

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&cred.ID,
		&cred.Label,
		&cred.Status,
		&cred.ConsecutiveFailures,
		&cred.LifetimeUsageCount,
		&cred.InputTokens,
		&cred.OutputTokens,
		&cred.DailyRequestCount,
		&cred.DailyResetAt,
		&cred.DailyQuotaLimit,
		&lastUsedAt,
		&cred.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential %s: %w", models.MaskCredential(id), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.LastUsedAt = lastUsedAt
	return &cred, nil
}
