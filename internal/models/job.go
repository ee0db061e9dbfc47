package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job types handled by the worker loop. Producers may enqueue other types as
// long as a handler is registered for them.
const (
	JobTypeGeneratePlan    = "generate_plan"
	JobTypeReminderSweep   = "reminder_sweep"
	JobTypeNightlyAnalysis = "nightly_analysis"
)

// Job is one persisted unit of background work. Payload is opaque to the
// queue; only the type-specific handler interprets it.
type Job struct {
	ID         string          `json:"id" db:"id"`
	Type       string          `json:"type" db:"type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	UserRef    string          `json:"userRef" db:"user_ref"`
	Status     JobStatus       `json:"status" db:"status"`
	Attempts   int             `json:"attempts" db:"attempts"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	StartedAt  *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty" db:"finished_at"`
	LastError  *string         `json:"lastError,omitempty" db:"last_error"`
}
