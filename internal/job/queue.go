// Package job is the durable background work queue: producers enqueue typed
// jobs, the worker loop claims and runs them through registered handlers.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Store is the durable queue backing. *storage.JobRepository implements it.
type Store interface {
	Insert(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	SelectQueued(ctx context.Context, limit int) ([]*models.Job, error)
	ClaimQueued(ctx context.Context, id string) (bool, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	RequeueForRetry(ctx context.Context, id string, lastError string) error
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// Queue is the producer half: it persists new jobs for the worker to find.
type Queue struct {
	store  Store
	logger *logging.Logger
}

// NewQueue creates a new job queue producer.
func NewQueue(store Store, logger *logging.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Queue{store: store, logger: logger.Component("job_queue")}, nil
}

// Enqueue inserts one queued job and returns it. The payload is stored
// opaquely; only the type's handler interprets it.
func (q *Queue) Enqueue(ctx context.Context, userRef, jobType string, payload json.RawMessage) (*models.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		UserRef:   userRef,
		Status:    models.JobQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}

	q.logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"type":   jobType,
		"user":   userRef,
	}).Info("job enqueued")

	return job, nil
}
