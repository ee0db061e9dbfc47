package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Worker polls the store for queued jobs, claims them one at a time with a
// conditional update, and dispatches each to its type handler. A tick runs to
// completion before the next fires, so the worker never overlaps itself.
type Worker struct {
	store        Store
	registry     *Registry
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	jobTimeout   time.Duration
	stuckAfter   time.Duration
	logger       *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the job worker.
type WorkerConfig struct {
	Store        Store
	Registry     *Registry
	PollInterval time.Duration // default: 3 seconds
	BatchSize    int           // jobs claimed per tick (default 10)
	MaxAttempts  int           // runs before a job is terminally failed (default 3)
	JobTimeout   time.Duration // per handler invocation (default 4 minutes)
	StuckAfter   time.Duration // processing age treated as a crashed claim (default 5 minutes)
	Logger       *logging.Logger
}

// NewWorker creates a new job worker.
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("handler registry is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 4 * time.Minute
	}
	// The stuck threshold must outlive the job timeout, otherwise a slow but
	// healthy job gets requeued while its first run is still going.
	stuckAfter := cfg.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	if stuckAfter <= jobTimeout {
		stuckAfter = jobTimeout + time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Worker{
		store:        cfg.Store,
		registry:     cfg.Registry,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		jobTimeout:   jobTimeout,
		stuckAfter:   stuckAfter,
		logger:       logger.Component("job_worker"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start begins the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.WithFields(map[string]interface{}{
		"interval": w.pollInterval.String(),
		"types":    w.registry.Types(),
	}).Info("starting job worker")

	go w.pollLoop(ctx)

	return nil
}

// Stop gracefully stops the poll loop, waiting for an in-flight tick.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		w.logger.Info("job worker stopped")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one full pass: rescue crashed claims, then claim and run queued
// jobs up to the batch size.
func (w *Worker) Tick(ctx context.Context) {
	requeued, err := w.store.RequeueStuck(ctx, w.stuckAfter)
	if err != nil {
		w.logger.WithError(err).Warn("failed to requeue stuck jobs")
	} else if requeued > 0 {
		w.logger.WithField("requeued", requeued).Warn("requeued stuck jobs")
	}

	jobs, err := w.store.SelectQueued(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Error("failed to select queued jobs")
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}

		claimed, err := w.store.ClaimQueued(ctx, job.ID)
		if err != nil {
			w.logger.WithError(err).WithField("job_id", job.ID).Warn("failed to claim job")
			continue
		}
		if !claimed {
			// Another instance got there first.
			continue
		}

		w.execute(ctx, job)
	}
}

// execute runs one claimed job and records its verdict.
func (w *Worker) execute(ctx context.Context, job *models.Job) {
	log := w.logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"type":   job.Type,
	})

	start := time.Now()
	err := w.dispatch(ctx, job)
	elapsed := time.Since(start)

	if err == nil {
		if markErr := w.store.MarkDone(ctx, job.ID); markErr != nil {
			log.WithError(markErr).Error("failed to mark job done")
			return
		}
		log.WithField("elapsed", elapsed.String()).Info("job completed")
		return
	}

	attempts := job.Attempts + 1
	if attempts >= w.maxAttempts {
		if markErr := w.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to mark job failed")
			return
		}
		log.WithError(err).WithField("attempts", attempts).Error("job failed terminally")
		return
	}

	if markErr := w.store.RequeueForRetry(ctx, job.ID, err.Error()); markErr != nil {
		log.WithError(markErr).Error("failed to requeue job")
		return
	}
	log.WithError(err).WithField("attempts", attempts).Warn("job failed, requeued")
}

// dispatch resolves the handler and runs it under the per-job timeout. A
// handler panic is converted to an error so one bad job cannot take the
// worker down.
func (w *Worker) dispatch(ctx context.Context, job *models.Job) (err error) {
	handler, ok := w.registry.Lookup(job.Type)
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler.Handle(jobCtx, job)
}
