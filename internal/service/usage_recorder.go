package service

import (
	"context"
	"sync"
	"time"

	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/retry"
)

// UsageEvent is one telemetry observation emitted by the orchestrator. The
// credential secret stays in memory; only its masked form is persisted.
type UsageEvent struct {
	CredentialID    string // raw secret
	CredentialLabel string
	Pool            string
	Model           string
	Label           string // caller-supplied purpose tag
	InputTokens     int64
	OutputTokens    int64
	Latency         time.Duration
	Outcome         string
	Timestamp       time.Time
}

// CredentialCounterStore persists per-credential usage counters.
// *storage.CredentialRepository implements it.
type CredentialCounterStore interface {
	BumpCounters(ctx context.Context, id string, inputTokens, outputTokens int64) error
}

// UsageEventStore appends telemetry rows. *storage.UsageEventRepository
// implements it.
type UsageEventStore interface {
	InsertEvent(ctx context.Context, rec *models.UsageRecord) error
}

// LiveCounterStore bumps the date-keyed live counters.
// *storage.UsageCounters implements it.
type LiveCounterStore interface {
	IncrCall(ctx context.Context, day time.Time, label string, inputTokens, outputTokens int64) error
}

// UsageRecorder consumes telemetry events on a single worker goroutine so
// that persistence latency never leaks into the generation path. Every store
// is optional; a missing one is skipped, a failing one is logged and
// swallowed.
type UsageRecorder struct {
	pool     *credential.Pool
	creds    CredentialCounterStore
	events   UsageEventStore
	counters LiveCounterStore
	logger   *logging.Logger

	ch     chan *UsageEvent
	doneCh chan struct{}

	mu     sync.RWMutex
	closed bool
}

// UsageRecorderConfig holds configuration for the usage recorder.
type UsageRecorderConfig struct {
	Pool       *credential.Pool
	Creds      CredentialCounterStore // optional
	Events     UsageEventStore        // optional
	Counters   LiveCounterStore       // optional
	BufferSize int                    // default 256
	Logger     *logging.Logger
}

// NewUsageRecorder creates the recorder and starts its worker.
func NewUsageRecorder(cfg *UsageRecorderConfig) *UsageRecorder {
	bufferSize := 256
	if cfg.BufferSize > 0 {
		bufferSize = cfg.BufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := &UsageRecorder{
		pool:     cfg.Pool,
		creds:    cfg.Creds,
		events:   cfg.Events,
		counters: cfg.Counters,
		logger:   logger.Component("usage_recorder"),
		ch:       make(chan *UsageEvent, bufferSize),
		doneCh:   make(chan struct{}),
	}

	go r.run()
	return r
}

// Record hands an event to the worker. It never blocks: when the buffer is
// full the event is dropped with a warning, because losing a telemetry row is
// cheaper than stalling a generation.
func (r *UsageRecorder) Record(event *UsageEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.ch <- event:
	default:
		r.logger.WithFields(map[string]interface{}{
			"label":   event.Label,
			"outcome": event.Outcome,
		}).Warn("telemetry buffer full, dropping event")
	}
}

// Close stops accepting events, drains the buffer and waits for the worker.
func (r *UsageRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.ch)
	<-r.doneCh
}

func (r *UsageRecorder) run() {
	defer close(r.doneCh)

	for event := range r.ch {
		r.process(event)
	}
}

func (r *UsageRecorder) process(event *UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if event.Outcome == "success" {
		if r.pool != nil {
			r.pool.ApplyUsage(event.CredentialID, event.InputTokens, event.OutputTokens)
		}
		if r.creds != nil {
			if err := r.creds.BumpCounters(ctx, event.CredentialID, event.InputTokens, event.OutputTokens); err != nil {
				r.logger.WithError(err).Warn("failed to persist credential counters")
			}
		}
		if r.counters != nil {
			if err := r.counters.IncrCall(ctx, event.Timestamp, event.CredentialLabel, event.InputTokens, event.OutputTokens); err != nil {
				r.logger.WithError(err).Warn("failed to bump live usage counters")
			}
		}
	}

	if r.events != nil {
		rec := &models.UsageRecord{
			Timestamp:       event.Timestamp,
			CredentialID:    models.MaskCredential(event.CredentialID),
			CredentialLabel: event.CredentialLabel,
			Pool:            event.Pool,
			Model:           event.Model,
			Label:           event.Label,
			InputTokens:     event.InputTokens,
			OutputTokens:    event.OutputTokens,
			LatencyMS:       event.Latency.Milliseconds(),
			Outcome:         event.Outcome,
		}

		// One bounded retry; the row is append-only and nothing downstream
		// waits for it.
		result := retry.WithExponentialBackoff(ctx, &retry.Config{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}, func(ctx context.Context, attempt int) error {
			return r.events.InsertEvent(ctx, rec)
		})
		if !result.Success {
			r.logger.WithError(result.LastError).Warn("failed to append usage event")
		}
	}
}
