package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studypilot/internal/logging"
)

// Reconciler keeps the pool and its durable mirror converged: credentials
// inserted into the store by an operator (or another instance) join the pool,
// rows deleted from the store leave it, and in-memory counters flush back on
// every pass.
type Reconciler struct {
	pool     *Pool
	store    Store
	interval time.Duration
	logger   *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	Pool     *Pool
	Store    Store
	Interval time.Duration // default: 5 minutes
	Logger   *logging.Logger
}

// NewReconciler creates a reconciler for a pool and its store.
func NewReconciler(cfg *ReconcilerConfig) (*Reconciler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Reconciler{
		pool:     cfg.Pool,
		store:    cfg.Store,
		interval: interval,
		logger:   logger.Component("credential_reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler is already running")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithField("interval", r.interval.String()).Info("starting credential reconciler")

	go r.pollLoop(ctx)

	return nil
}

// Stop gracefully stops the reconcile loop.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler is not running")
	}
	r.mu.Unlock()

	close(r.stopCh)

	select {
	case <-r.doneCh:
		r.logger.Info("credential reconciler stopped")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	return nil
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.WithError(err).Warn("reconcile pass failed")
			}
		}
	}
}

// Reconcile runs one pass: read the store, merge into the pool, flush the
// pool's counters back.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	rows, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}

	added, removed, flush := r.pool.Reconcile(rows, r.interval)

	var flushErr error
	for _, row := range flush {
		if err := r.store.Save(ctx, row); err != nil {
			flushErr = err
		}
	}
	if flushErr != nil {
		r.logger.WithError(flushErr).Warn("failed to flush some credential counters")
	}

	if added > 0 || removed > 0 {
		r.logger.WithFields(map[string]interface{}{
			"added":   added,
			"removed": removed,
			"total":   r.pool.Size(),
		}).Info("credential pool reconciled")
	}
	return nil
}
