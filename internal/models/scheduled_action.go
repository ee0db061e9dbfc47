package models

import (
	"encoding/json"
	"time"
)

// ScheduledActionStatus is the delivery state of a scheduled action.
type ScheduledActionStatus string

const (
	ActionPending   ScheduledActionStatus = "pending"
	ActionCompleted ScheduledActionStatus = "completed"
)

// ScheduledAction is a one-shot notification due at a fixed time. The ticker
// delivers it and flips the status to completed exactly once.
type ScheduledAction struct {
	ID          string                `json:"id" db:"id"`
	UserRef     string                `json:"userRef" db:"user_ref"`
	ExecuteAt   time.Time             `json:"executeAt" db:"execute_at"`
	Status      ScheduledActionStatus `json:"status" db:"status"`
	Title       string                `json:"title" db:"title"`
	Message     string                `json:"message" db:"message"`
	Meta        json.RawMessage       `json:"meta,omitempty" db:"meta"`
	CreatedAt   time.Time             `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time            `json:"completedAt,omitempty" db:"completed_at"`
}
