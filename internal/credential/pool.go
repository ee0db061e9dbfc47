package credential

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// Config holds the pool tuning. Zero values fall back to the defaults the
// rest of the system is calibrated for.
type Config struct {
	DailyQuota int           // per-credential requests per calendar day (default 20)
	MaxFails   int           // consecutive failures before a credential is dead (default 4)
	Cooldown   time.Duration // quota-error suspension window (default 60s)
	Store      Store         // optional durable mirror
	Logger     *logging.Logger
}

// Pool is the credential pool manager. It exclusively owns every Record and
// the FIFO wait queue; no other component touches either. All state changes
// happen under one mutex so that selection and mutation in Acquire are a
// single atomic step.
type Pool struct {
	mu      sync.Mutex
	records map[string]*Record
	waiters []*waiter

	dailyQuota int
	maxFails   int
	cooldown   time.Duration

	rolloverTimer *time.Timer

	store  Store
	logger *logging.Logger
}

// waiter is one blocked Acquire call. Only the queue head is ever signaled,
// which keeps wakeups strictly FIFO.
type waiter struct {
	ch chan struct{}
}

// NewPool creates an empty pool. Credentials arrive via Seed, Add, or the
// reconciler.
func NewPool(cfg Config) *Pool {
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 20
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = 4
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	return &Pool{
		records:    make(map[string]*Record),
		dailyQuota: cfg.DailyQuota,
		maxFails:   cfg.MaxFails,
		cooldown:   cfg.Cooldown,
		store:      cfg.Store,
		logger:     cfg.Logger.Component("credential_pool"),
	}
}

// Seed loads the durable rows and merges the environment-supplied secrets,
// inserting any that the store has not seen yet.
func (p *Pool) Seed(ctx context.Context, secrets []string) error {
	if p.store != nil {
		rows, err := p.store.List(ctx)
		if err != nil {
			return fmt.Errorf("loading credentials: %w", err)
		}
		p.mu.Lock()
		for _, row := range rows {
			if _, exists := p.records[row.ID]; !exists {
				p.records[row.ID] = recordFromRow(row, p.dailyQuota)
			}
		}
		p.mu.Unlock()
	}

	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		err := p.Add(secret, fmt.Sprintf("env-%d", i+1))
		if err != nil && err != ErrDuplicate {
			return err
		}
	}

	p.logger.WithField("credentials", p.Size()).Info("credential pool seeded")
	return nil
}

// Reconcile merges the durable rows into the live set and returns the rows
// that should be flushed back to the store. Unseen rows join the pool;
// records missing from the store are dropped once they are not busy and
// older than grace, because a freshly added credential's async insert may
// not have landed yet.
func (p *Pool) Reconcile(rows []*models.Credential, grace time.Duration) (added, removed int, flush []*models.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inStore := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		inStore[row.ID] = struct{}{}
		if _, exists := p.records[row.ID]; !exists {
			p.records[row.ID] = recordFromRow(row, p.dailyQuota)
			added++
		}
	}

	now := time.Now()
	for id, rec := range p.records {
		if _, ok := inStore[id]; ok {
			continue
		}
		if rec.Status == models.CredentialBusy || now.Sub(rec.AddedAt) < grace {
			continue
		}
		delete(p.records, id)
		removed++
	}

	flush = make([]*models.Credential, 0, len(p.records))
	for _, rec := range p.records {
		flush = append(flush, snapshotRow(rec))
	}

	if added > 0 {
		p.dispatchLocked()
	}
	return added, removed, flush
}

// Size returns the number of credentials in the pool, dead ones included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Acquire returns a lease on one eligible credential, suspending the caller
// on the FIFO wait queue when none exists. It never fails on its own; the
// only error it can return is ctx.Err() when the caller gives up or the
// process shuts down.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	p.mu.Lock()
	// A non-empty queue means earlier callers are still waiting; joining
	// behind them keeps the queue strictly FIFO even when a credential just
	// became free.
	if len(p.waiters) == 0 {
		if lease, ok := p.selectLocked(); ok {
			p.mu.Unlock()
			return lease, nil
		}
	}

	w := &waiter{ch: make(chan struct{}, 1)}
	p.waiters = append(p.waiters, w)
	p.scheduleRolloverLocked()
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(w)
			// The signal meant for this waiter must not be lost.
			p.dispatchLocked()
			p.mu.Unlock()
			return Lease{}, ctx.Err()

		case <-w.ch:
			p.mu.Lock()
			if len(p.waiters) > 0 && p.waiters[0] == w {
				if lease, ok := p.selectLocked(); ok {
					p.waiters = p.waiters[1:]
					p.dispatchLocked()
					p.mu.Unlock()
					return lease, nil
				}
			}
			// Eligibility evaporated between signal and wakeup (for example
			// an admin removal); stay queued for the next signal.
			p.mu.Unlock()
		}
	}
}

// selectLocked picks one eligible credential pseudo-randomly and applies the
// acquisition mutations in the same step.
func (p *Pool) selectLocked() (Lease, bool) {
	now := time.Now()

	eligible := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		p.refreshLocked(rec, now)
		if rec.Status == models.CredentialIdle && rec.DailyRequestCount < rec.DailyQuotaLimit {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return Lease{}, false
	}

	rec := eligible[rand.Intn(len(eligible))]
	rec.Status = models.CredentialBusy
	rec.DailyRequestCount++
	rec.LifetimeUsageCount++
	rec.LastUsedAt = now

	return Lease{ID: rec.ID, Label: rec.Label}, true
}

// refreshLocked applies the lazy transitions that precede every eligibility
// check: the daily counter resets when the wall-clock date rolled over, and
// an elapsed cooldown returns the credential to idle while it is still below
// the failure limit.
func (p *Pool) refreshLocked(rec *Record, now time.Time) {
	if !sameDate(now, rec.DailyResetAt) {
		rec.DailyRequestCount = 0
		rec.DailyResetAt = now
	}
	if rec.Status == models.CredentialCoolingDown && now.After(rec.CoolingUntil) && rec.ConsecutiveFailures < p.maxFails {
		rec.Status = models.CredentialIdle
	}
}

// Release returns a credential with the caller's verdict and wakes the FIFO
// head when the release created eligibility.
func (p *Pool) Release(id string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		p.logger.WithField("credential", models.MaskCredential(id)).Warn("release for unknown credential")
		return
	}
	if rec.Status == models.CredentialDead {
		// Dead is terminal; only an explicit revive resurrects it.
		return
	}

	switch outcome {
	case OutcomeSuccess:
		rec.ConsecutiveFailures = 0
		rec.Status = models.CredentialIdle

	case OutcomeQuotaError:
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= p.maxFails {
			p.markDeadLocked(rec)
		} else {
			rec.Status = models.CredentialCoolingDown
			rec.CoolingUntil = time.Now().Add(p.cooldown)
			p.logger.WithFields(map[string]interface{}{
				"credential": models.MaskCredential(rec.ID),
				"until":      rec.CoolingUntil.Format(time.RFC3339),
				"failures":   rec.ConsecutiveFailures,
			}).Warn("credential cooling down after quota error")
			// Nudge the queue when the window elapses; waiters must not
			// depend on another release happening.
			time.AfterFunc(p.cooldown+10*time.Millisecond, p.notifyAvailability)
		}

	case OutcomeTransportError, OutcomeFatalError:
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= p.maxFails {
			p.markDeadLocked(rec)
		} else {
			rec.Status = models.CredentialIdle
		}

	default:
		p.logger.WithFields(map[string]interface{}{
			"credential": models.MaskCredential(rec.ID),
			"outcome":    string(outcome),
		}).Error("unknown release outcome, treating as transport error")
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= p.maxFails {
			p.markDeadLocked(rec)
		} else {
			rec.Status = models.CredentialIdle
		}
	}

	p.dispatchLocked()
}

// markDeadLocked applies the terminal transition and persists it; dying must
// survive a restart.
func (p *Pool) markDeadLocked(rec *Record) {
	rec.Status = models.CredentialDead
	p.logger.WithFields(map[string]interface{}{
		"credential": models.MaskCredential(rec.ID),
		"failures":   rec.ConsecutiveFailures,
	}).Error("credential marked dead")
	p.persistHealth(rec.ID, models.CredentialDead, rec.ConsecutiveFailures)
}

// Add registers a new credential, idle and with a fresh quota.
func (p *Pool) Add(secret, label string) error {
	if secret == "" {
		return fmt.Errorf("credential secret is empty")
	}

	p.mu.Lock()
	if _, exists := p.records[secret]; exists {
		p.mu.Unlock()
		return ErrDuplicate
	}

	now := time.Now()
	rec := &Record{
		ID:              secret,
		Label:           label,
		Status:          models.CredentialIdle,
		DailyResetAt:    now,
		DailyQuotaLimit: p.dailyQuota,
		AddedAt:         now,
	}
	p.records[secret] = rec
	row := snapshotRow(rec)
	p.dispatchLocked()
	p.mu.Unlock()

	p.logger.WithFields(map[string]interface{}{
		"credential": models.MaskCredential(secret),
		"label":      label,
	}).Info("credential added")

	if p.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.store.Insert(ctx, row); err != nil {
				p.logger.WithError(err).Warn("failed to persist added credential")
			}
		}()
	}
	return nil
}

// Remove deletes a credential. Removing an unknown credential is a no-op:
// the operator's intent is already satisfied.
func (p *Pool) Remove(secret string) {
	p.mu.Lock()
	_, existed := p.records[secret]
	delete(p.records, secret)
	p.mu.Unlock()

	if !existed {
		return
	}

	p.logger.WithField("credential", models.MaskCredential(secret)).Info("credential removed")

	if p.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.store.Delete(ctx, secret); err != nil {
				p.logger.WithError(err).Warn("failed to delete removed credential")
			}
		}()
	}
}

// Revive resets a dead (or any) credential back to idle with a clean failure
// streak. This is the only path out of the dead status.
func (p *Pool) Revive(secret string) error {
	p.mu.Lock()
	rec, ok := p.records[secret]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}

	rec.Status = models.CredentialIdle
	rec.ConsecutiveFailures = 0
	rec.CoolingUntil = time.Time{}
	p.dispatchLocked()
	p.mu.Unlock()

	p.logger.WithField("credential", models.MaskCredential(secret)).Info("credential revived")
	p.persistHealth(secret, models.CredentialIdle, 0)
	return nil
}

// ApplyUsage adds token usage to a credential's monotonic counters. Called
// by the telemetry recorder after a successful generation.
func (p *Pool) ApplyUsage(id string, inputTokens, outputTokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[id]; ok {
		rec.InputTokens += inputTokens
		rec.OutputTokens += outputTokens
	}
}

// Snapshot returns the operator listing, IDs masked, ordered by label.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]Info, 0, len(p.records))
	for _, rec := range p.records {
		p.refreshLocked(rec, now)
		info := Info{
			ID:                  models.MaskCredential(rec.ID),
			Label:               rec.Label,
			Status:              rec.Status,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			LifetimeUsageCount:  rec.LifetimeUsageCount,
			InputTokens:         rec.InputTokens,
			OutputTokens:        rec.OutputTokens,
			DailyRequestCount:   rec.DailyRequestCount,
			DailyQuotaLimit:     rec.DailyQuotaLimit,
		}
		if !rec.LastUsedAt.IsZero() {
			t := rec.LastUsedAt
			info.LastUsedAt = &t
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Close stops the pool's internal timer. Blocked Acquire calls unblock
// through their own contexts.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rolloverTimer != nil {
		p.rolloverTimer.Stop()
		p.rolloverTimer = nil
	}
}

// dispatchLocked signals the queue head when at least one credential is
// eligible. Exactly one waiter wakes per availability event; the head
// re-signals the next waiter itself after a successful selection.
func (p *Pool) dispatchLocked() {
	if len(p.waiters) == 0 {
		return
	}

	now := time.Now()
	for _, rec := range p.records {
		p.refreshLocked(rec, now)
		if rec.Status == models.CredentialIdle && rec.DailyRequestCount < rec.DailyQuotaLimit {
			select {
			case p.waiters[0].ch <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// notifyAvailability re-runs the dispatch pass outside a release, for timer
// driven eligibility (cooldown expiry, quota rollover).
func (p *Pool) notifyAvailability() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchLocked()
}

// scheduleRolloverLocked arms a timer for the next local-midnight quota
// reset. Without it, a pool whose credentials are all quota-exhausted would
// never wake its waiters: no release is coming.
func (p *Pool) scheduleRolloverLocked() {
	if p.rolloverTimer != nil {
		return
	}

	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	wait := next.Sub(now) + time.Second

	p.rolloverTimer = time.AfterFunc(wait, func() {
		p.mu.Lock()
		p.rolloverTimer = nil
		p.dispatchLocked()
		if len(p.waiters) > 0 {
			p.scheduleRolloverLocked()
		}
		p.mu.Unlock()
	})
}

// persistHealth mirrors a health transition to the store, asynchronously and
// best-effort.
func (p *Pool) persistHealth(id string, status models.CredentialStatus, failures int) {
	if p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.UpdateHealth(ctx, id, status, failures); err != nil {
			p.logger.WithError(err).WithField("credential", models.MaskCredential(id)).Warn("failed to persist credential health")
		}
	}()
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
