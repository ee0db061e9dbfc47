package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/studypilot/internal/models"
)

// ScheduledActionRepository handles scheduled action persistence. The ticker
// claims due rows with a conditional UPDATE so each action completes at most
// once, even if a dispatch attempt dies mid-flight.
type ScheduledActionRepository struct {
	db *PostgresDB
}

// NewScheduledActionRepository creates a new scheduled action repository
func NewScheduledActionRepository(db *PostgresDB) *ScheduledActionRepository {
	return &ScheduledActionRepository{db: db}
}

const actionColumns = `id, user_ref, execute_at, status, title, message, meta, created_at, completed_at`

func scanAction(row pgx.Row) (*models.ScheduledAction, error) {
	var action models.ScheduledAction
	var completedAt *time.Time

	err := row.Scan(
		&action.ID,
		&action.UserRef,
		&action.ExecuteAt,
		&action.Status,
		&action.Title,
		&action.Message,
		&action.Meta,
		&action.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	action.CompletedAt = completedAt
	return &action, nil
}

// Insert creates a new scheduled action
func (r *ScheduledActionRepository) Insert(ctx context.Context, action *models.ScheduledAction) error {
	query := `
		INSERT INTO scheduled_actions (id, user_ref, execute_at, status, title, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		action.ID,
		action.UserRef,
		action.ExecuteAt,
		action.Status,
		action.Title,
		action.Message,
		action.Meta,
		action.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert scheduled action: %w", err)
	}

	return nil
}

// GetByID retrieves a scheduled action by ID
func (r *ScheduledActionRepository) GetByID(ctx context.Context, id string) (*models.ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions WHERE id = $1`

	action, err := scanAction(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scheduled action %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scheduled action: %w", err)
	}

	return action, nil
}

// SelectDue returns up to limit pending actions whose execute_at has passed,
// oldest first.
func (r *ScheduledActionRepository) SelectDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM scheduled_actions
		WHERE status = $1 AND execute_at <= $2
		ORDER BY execute_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, models.ActionPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.ScheduledAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		actions = append(actions, action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled actions: %w", err)
	}

	return actions, nil
}

// ClaimPending flips one action from pending to completed. It reports false
// when another pass already claimed it.
func (r *ScheduledActionRepository) ClaimPending(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE scheduled_actions
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, id, models.ActionCompleted, models.ActionPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduled action: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ListByUser returns a user's scheduled actions, soonest first.
func (r *ScheduledActionRepository) ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM scheduled_actions
		WHERE user_ref = $1
		ORDER BY execute_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, userRef, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.ScheduledAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		actions = append(actions, action)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled actions: %w", err)
	}

	return actions, nil
}
