package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	usageDayKeyPrefix = "usage:day:"
	usageDayTTL       = 48 * time.Hour
)

// UsageCounters keeps the live per-day, per-label counters in Redis. They
// back the ops usage endpoint without a round trip to ClickHouse and expire
// on their own after two days.
type UsageCounters struct {
	cache *RedisCache
}

// NewUsageCounters creates a new usage counter store
func NewUsageCounters(cache *RedisCache) *UsageCounters {
	return &UsageCounters{cache: cache}
}

// DayCounters is the live usage of one credential label for one day.
type DayCounters struct {
	Requests     int64 `json:"requests"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func usageDayKey(day time.Time) string {
	return usageDayKeyPrefix + day.Format("2006-01-02")
}

// IncrCall bumps the request and token counters for a label.
func (c *UsageCounters) IncrCall(ctx context.Context, day time.Time, label string, inputTokens, outputTokens int64) error {
	key := usageDayKey(day)
	client := c.cache.Client()

	pipe := client.Pipeline()
	pipe.HIncrBy(ctx, key, label+":requests", 1)
	pipe.HIncrBy(ctx, key, label+":input_tokens", inputTokens)
	pipe.HIncrBy(ctx, key, label+":output_tokens", outputTokens)
	pipe.Expire(ctx, key, usageDayTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bump usage counters: %w", err)
	}
	return nil
}

// GetDay returns the live counters for one day, keyed by credential label.
func (c *UsageCounters) GetDay(ctx context.Context, day time.Time) (map[string]*DayCounters, error) {
	fields, err := c.cache.Client().HGetAll(ctx, usageDayKey(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage counters: %w", err)
	}

	out := make(map[string]*DayCounters)
	for field, raw := range fields {
		idx := strings.LastIndex(field, ":")
		if idx <= 0 {
			continue
		}
		label, counter := field[:idx], field[idx+1:]

		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}

		day, ok := out[label]
		if !ok {
			day = &DayCounters{}
			out[label] = day
		}
		switch counter {
		case "requests":
			day.Requests = value
		case "input_tokens":
			day.InputTokens = value
		case "output_tokens":
			day.OutputTokens = value
		}
	}

	return out, nil
}
