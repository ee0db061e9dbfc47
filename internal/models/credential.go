// Package models provides the persisted data models for the generation backend.
package models

import (
	"time"
)

// CredentialStatus is the health state of one generation credential.
type CredentialStatus string

const (
	CredentialIdle        CredentialStatus = "idle"
	CredentialBusy        CredentialStatus = "busy"
	CredentialCoolingDown CredentialStatus = "cooling_down"
	CredentialDead        CredentialStatus = "dead"
)

// Credential is the durable mirror of one pool credential. The live state
// machine is owned by the credential pool; this row survives restarts and
// carries operator additions/removals and the terminal dead flag.
type Credential struct {
	ID                  string           `json:"id" db:"id"`
	Label               string           `json:"label" db:"label"`
	Status              CredentialStatus `json:"status" db:"status"`
	ConsecutiveFailures int              `json:"consecutiveFailures" db:"consecutive_failures"`
	LifetimeUsageCount  int64            `json:"lifetimeUsageCount" db:"lifetime_usage_count"`
	InputTokens         int64            `json:"inputTokens" db:"input_tokens"`
	OutputTokens        int64            `json:"outputTokens" db:"output_tokens"`
	DailyRequestCount   int              `json:"dailyRequestCount" db:"daily_request_count"`
	DailyResetAt        time.Time        `json:"dailyResetAt" db:"daily_reset_at"`
	DailyQuotaLimit     int              `json:"dailyQuotaLimit" db:"daily_quota_limit"`
	LastUsedAt          *time.Time       `json:"lastUsedAt,omitempty" db:"last_used_at"`
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`
}

// MaskCredential hides all but a short prefix and suffix of a credential
// secret, for logs and the ops API.
func MaskCredential(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
