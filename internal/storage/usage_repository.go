package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/studypilot/internal/models"
)

// UsageEventRepository handles usage telemetry persistence in ClickHouse.
// Rows are append-only; the credential_id column carries the masked form of
// the secret.
type UsageEventRepository struct {
	db *ClickHouseDB
}

// NewUsageEventRepository creates a new usage event repository
func NewUsageEventRepository(db *ClickHouseDB) *UsageEventRepository {
	return &UsageEventRepository{db: db}
}

// InsertEvent inserts a single usage event
func (r *UsageEventRepository) InsertEvent(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_events (
			timestamp, credential_id, credential_label, pool, model, label, input_tokens, output_tokens, latency_ms, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.Conn().Exec(ctx, query,
		rec.Timestamp,
		rec.CredentialID,
		rec.CredentialLabel,
		rec.Pool,
		rec.Model,
		rec.Label,
		rec.InputTokens,
		rec.OutputTokens,
		rec.LatencyMS,
		rec.Outcome,
	)

	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// DailyUsageRow is one aggregated telemetry row.
type DailyUsageRow struct {
	Day          time.Time `json:"day"`
	Pool         string    `json:"pool"`
	Model        string    `json:"model"`
	Calls        uint64    `json:"calls"`
	InputTokens  uint64    `json:"inputTokens"`
	OutputTokens uint64    `json:"outputTokens"`
	AvgLatencyMS float64   `json:"avgLatencyMs"`
}

// DailyTotals aggregates calls per day, pool and model since the given time.
// Every outcome counts as a call; failed calls carry zero tokens.
func (r *UsageEventRepository) DailyTotals(ctx context.Context, since time.Time) ([]*DailyUsageRow, error) {
	query := `
		SELECT
			toStartOfDay(timestamp) AS day,
			pool,
			model,
			count() AS calls,
			toUInt64(sum(input_tokens)) AS input_tokens,
			toUInt64(sum(output_tokens)) AS output_tokens,
			avg(latency_ms) AS avg_latency_ms
		FROM usage_events
		WHERE timestamp >= ?
		GROUP BY day, pool, model
		ORDER BY day DESC, pool, model
	`

	rows, err := r.db.Conn().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily totals: %w", err)
	}
	defer rows.Close()

	var totals []*DailyUsageRow
	for rows.Next() {
		var row DailyUsageRow

		err := rows.Scan(
			&row.Day,
			&row.Pool,
			&row.Model,
			&row.Calls,
			&row.InputTokens,
			&row.OutputTokens,
			&row.AvgLatencyMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily total: %w", err)
		}

		totals = append(totals, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily totals: %w", err)
	}

	return totals, nil
}

// LabelTotals aggregates usage per credential label inside [from, to), for
// the ops usage endpoint.
func (r *UsageEventRepository) LabelTotals(ctx context.Context, from, to time.Time) (map[string]*DailyUsageRow, error) {
	query := `
		SELECT
			credential_label,
			count() AS calls,
			toUInt64(sum(input_tokens)) AS input_tokens,
			toUInt64(sum(output_tokens)) AS output_tokens,
			avg(latency_ms) AS avg_latency_ms
		FROM usage_events
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY credential_label
	`

	rows, err := r.db.Conn().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query label totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]*DailyUsageRow)
	for rows.Next() {
		var label string
		var row DailyUsageRow

		err := rows.Scan(&label, &row.Calls, &row.InputTokens, &row.OutputTokens, &row.AvgLatencyMS)
		if err != nil {
			return nil, fmt.Errorf("failed to scan label total: %w", err)
		}

		totals[label] = &row
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating label totals: %w", err)
	}

	return totals, nil
}
