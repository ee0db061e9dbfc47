// Package credential owns the pool of generation-service credentials: the
// in-memory record store, the acquire/release state machine, fairness
// queueing, and daily-quota enforcement.
package credential

import (
	"context"
	"errors"
	"time"

	"github.com/studypilot/internal/models"
)

var (
	// ErrDuplicate is returned by Add when the credential already exists.
	ErrDuplicate = errors.New("credential already exists")
	// ErrNotFound is returned by Revive for an unknown credential.
	ErrNotFound = errors.New("credential not found")
)

// Outcome is the caller's verdict on one use of a credential.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeQuotaError     Outcome = "quotaError"
	OutcomeTransportError Outcome = "transportError"
	OutcomeFatalError     Outcome = "fatalError"
)

// Record is the live state of one credential. It exists only inside the
// pool; all reads and writes happen under the pool mutex.
type Record struct {
	ID                  string
	Label               string
	Status              models.CredentialStatus
	ConsecutiveFailures int
	LifetimeUsageCount  int64
	InputTokens         int64
	OutputTokens        int64
	DailyRequestCount   int
	DailyResetAt        time.Time
	DailyQuotaLimit     int
	CoolingUntil        time.Time
	LastUsedAt          time.Time
	AddedAt             time.Time
}

// Lease is the handle returned by Acquire. The ID doubles as the API secret;
// callers must pass it back to Release exactly once.
type Lease struct {
	ID    string
	Label string
}

// Info is one row of the operator-facing credential listing. The ID is
// masked; the secret never leaves the pool.
type Info struct {
	ID                  string                  `json:"id"`
	Label               string                  `json:"label"`
	Status              models.CredentialStatus `json:"status"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
	LifetimeUsageCount  int64                   `json:"lifetimeUsageCount"`
	InputTokens         int64                   `json:"inputTokens"`
	OutputTokens        int64                   `json:"outputTokens"`
	DailyRequestCount   int                     `json:"dailyRequestCount"`
	DailyQuotaLimit     int                     `json:"dailyQuotaLimit"`
	LastUsedAt          *time.Time              `json:"lastUsedAt,omitempty"`
}

// Store is the durable mirror of the pool. All writes through it are
// best-effort: persistence failures are logged and never block pool calls.
type Store interface {
	List(ctx context.Context) ([]*models.Credential, error)
	// Insert creates the row if absent and leaves an existing row untouched.
	Insert(ctx context.Context, cred *models.Credential) error
	// Save overwrites the full row.
	Save(ctx context.Context, cred *models.Credential) error
	UpdateHealth(ctx context.Context, id string, status models.CredentialStatus, failures int) error
	Delete(ctx context.Context, id string) error
}

// snapshotRow converts a live record to its durable form.
func snapshotRow(rec *Record) *models.Credential {
	row := &models.Credential{
		ID:                  rec.ID,
		Label:               rec.Label,
		Status:              rec.Status,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		LifetimeUsageCount:  rec.LifetimeUsageCount,
		InputTokens:         rec.InputTokens,
		OutputTokens:        rec.OutputTokens,
		DailyRequestCount:   rec.DailyRequestCount,
		DailyResetAt:        rec.DailyResetAt,
		DailyQuotaLimit:     rec.DailyQuotaLimit,
		CreatedAt:           rec.AddedAt,
	}
	if !rec.LastUsedAt.IsZero() {
		t := rec.LastUsedAt
		row.LastUsedAt = &t
	}
	return row
}

// recordFromRow converts a durable row to a live record. A row persisted as
// busy comes back idle: no call can be in flight across a restart.
func recordFromRow(row *models.Credential, defaultQuota int) *Record {
	rec := &Record{
		ID:                  row.ID,
		Label:               row.Label,
		Status:              row.Status,
		ConsecutiveFailures: row.ConsecutiveFailures,
		LifetimeUsageCount:  row.LifetimeUsageCount,
		InputTokens:         row.InputTokens,
		OutputTokens:        row.OutputTokens,
		DailyRequestCount:   row.DailyRequestCount,
		DailyResetAt:        row.DailyResetAt,
		DailyQuotaLimit:     row.DailyQuotaLimit,
		AddedAt:             row.CreatedAt,
	}
	if rec.DailyQuotaLimit <= 0 {
		rec.DailyQuotaLimit = defaultQuota
	}
	if rec.Status == models.CredentialBusy || rec.Status == models.CredentialCoolingDown || rec.Status == "" {
		rec.Status = models.CredentialIdle
	}
	if row.LastUsedAt != nil {
		rec.LastUsedAt = *row.LastUsedAt
	}
	return rec
}
