// Package scheduler delivers one-shot scheduled actions exactly once and
// turns recurring cron entries into background jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Store is the durable action backing. *storage.ScheduledActionRepository
// implements it.
type Store interface {
	Insert(ctx context.Context, action *models.ScheduledAction) error
	GetByID(ctx context.Context, id string) (*models.ScheduledAction, error)
	SelectDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error)
}

// Service is the producer half: it persists pending actions for the ticker
// to deliver.
type Service struct {
	store  Store
	logger *logging.Logger
}

// NewService creates a new scheduled action service.
func NewService(store Store, logger *logging.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("action store is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, logger: logger.Component("scheduler")}, nil
}

// Schedule inserts one pending action due at executeAt and returns its id.
func (s *Service) Schedule(ctx context.Context, userRef string, executeAt time.Time, title, message string, meta json.RawMessage) (string, error) {
	if strings.TrimSpace(userRef) == "" {
		return "", fmt.Errorf("user reference is required")
	}
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("title is required")
	}
	if executeAt.IsZero() {
		return "", fmt.Errorf("execute time is required")
	}
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}

	action := &models.ScheduledAction{
		ID:        uuid.NewString(),
		UserRef:   userRef,
		ExecuteAt: executeAt.UTC(),
		Status:    models.ActionPending,
		Title:     title,
		Message:   message,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, action); err != nil {
		return "", fmt.Errorf("scheduling action: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"action_id":  action.ID,
		"user":       userRef,
		"execute_at": action.ExecuteAt.Format(time.RFC3339),
	}).Info("action scheduled")

	return action.ID, nil
}

// Get returns one action by id.
func (s *Service) Get(ctx context.Context, id string) (*models.ScheduledAction, error) {
	return s.store.GetByID(ctx, id)
}

// ListByUser returns a user's actions, soonest first.
func (s *Service) ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userRef, limit)
}
