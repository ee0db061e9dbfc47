package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Enqueuer inserts background jobs. *job.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, userRef, jobType string, payload json.RawMessage) (*models.Job, error)
}

// Cron turns recurring schedule entries into background jobs: every firing
// enqueues the named job type with an empty payload and lets the worker loop
// do the real work.
type Cron struct {
	cron   *cron.Cron
	queue  Enqueuer
	logger *logging.Logger
}

// NewCron creates a new recurring schedule registrar.
func NewCron(queue Enqueuer, logger *logging.Logger) (*Cron, error) {
	if queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cron{
		cron:   cron.New(),
		queue:  queue,
		logger: logger.Component("cron"),
	}, nil
}

// Register binds a job type to a cron spec (standard five-field syntax).
func (c *Cron) Register(jobType, spec string) error {
	if jobType == "" {
		return fmt.Errorf("job type is required")
	}

	_, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := c.queue.Enqueue(ctx, "", jobType, nil)
		if err != nil {
			c.logger.WithError(err).WithField("type", jobType).Error("failed to enqueue scheduled job")
			return
		}
		c.logger.WithFields(map[string]interface{}{
			"type":   jobType,
			"job_id": job.ID,
		}).Info("scheduled job enqueued")
	})
	if err != nil {
		return fmt.Errorf("registering schedule %q for %s: %w", spec, jobType, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"type": jobType,
		"spec": spec,
	}).Info("schedule registered")
	return nil
}

// Start begins firing schedules.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the schedule and waits for in-flight firings.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
