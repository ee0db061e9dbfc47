package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Notifier delivers one claimed action to the user. Implementations decide
// the channel (push, mail, log).
type Notifier interface {
	Notify(ctx context.Context, action *models.ScheduledAction) error
}

// LogNotifier writes deliveries to the log. It stands in until a real
// delivery channel is wired.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogNotifier{logger: logger.Component("notifier")}
}

// Notify logs the action delivery.
func (n *LogNotifier) Notify(ctx context.Context, action *models.ScheduledAction) error {
	n.logger.WithFields(map[string]interface{}{
		"action_id": action.ID,
		"user":      action.UserRef,
		"title":     action.Title,
	}).Info("action delivered")
	return nil
}

// Ticker scans for due pending actions and delivers each at most once. The
// conditional pending-to-completed claim happens before dispatch, so two
// overlapping instances can never deliver the same action twice; a failed
// delivery is logged and not retried.
type Ticker struct {
	store     Store
	notifier  Notifier
	interval  time.Duration
	batchSize int
	logger    *logging.Logger

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// TickerConfig holds configuration for the action ticker.
type TickerConfig struct {
	Store     Store
	Notifier  Notifier
	Interval  time.Duration // default: 60 seconds
	BatchSize int           // actions claimed per tick (default 50)
	Logger    *logging.Logger
}

// NewTicker creates a new scheduled action ticker.
func NewTicker(cfg *TickerConfig) (*Ticker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("action store is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Ticker{
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.Component("action_ticker"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins the tick loop.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("ticker is already running")
	}
	t.running = true
	t.mu.Unlock()

	t.logger.WithField("interval", t.interval.String()).Info("starting action ticker")

	go t.pollLoop(ctx)

	return nil
}

// Stop gracefully stops the tick loop, waiting for an in-flight tick.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("ticker is not running")
	}
	t.mu.Unlock()

	close(t.stopCh)

	select {
	case <-t.doneCh:
		t.logger.Info("action ticker stopped")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	return nil
}

func (t *Ticker) pollLoop(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick runs one full pass: select due pending actions, claim each, dispatch
// the claimed ones.
func (t *Ticker) Tick(ctx context.Context) {
	due, err := t.store.SelectDue(ctx, time.Now(), t.batchSize)
	if err != nil {
		t.logger.WithError(err).Error("failed to select due actions")
		return
	}

	for _, action := range due {
		if ctx.Err() != nil {
			return
		}

		claimed, err := t.store.ClaimPending(ctx, action.ID)
		if err != nil {
			t.logger.WithError(err).WithField("action_id", action.ID).Warn("failed to claim action")
			continue
		}
		if !claimed {
			// Another pass owns this one.
			continue
		}

		if err := t.notifier.Notify(ctx, action); err != nil {
			// The claim already flipped the row to completed; delivery gets
			// exactly one shot.
			t.logger.WithError(err).WithFields(map[string]interface{}{
				"action_id": action.ID,
				"user":      action.UserRef,
			}).Error("action delivery failed")
		}
	}
}
