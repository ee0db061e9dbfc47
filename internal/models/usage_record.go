package models

import (
	"time"
)

// UsageRecord is one append-only telemetry row describing a single
// generation call, written to ClickHouse by the usage recorder. CredentialID
// carries the masked secret; CredentialLabel is the operator-facing name.
type UsageRecord struct {
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	CredentialID    string    `json:"credentialId" db:"credential_id"`
	CredentialLabel string    `json:"credentialLabel" db:"credential_label"`
	Pool            string    `json:"pool" db:"pool"`
	Model           string    `json:"model" db:"model"`
	Label           string    `json:"label" db:"label"`
	InputTokens     int64     `json:"inputTokens" db:"input_tokens"`
	OutputTokens    int64     `json:"outputTokens" db:"output_tokens"`
	LatencyMS       int64     `json:"latencyMs" db:"latency_ms"`
	Outcome         string    `json:"outcome" db:"outcome"`
}
