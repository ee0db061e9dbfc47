package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

type fakeCounterStore struct {
	mu    sync.Mutex
	bumps []string
	err   error
}

func (f *fakeCounterStore) BumpCounters(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps = append(f.bumps, id)
	return f.err
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*models.UsageRecord
	fail   int // number of initial calls to reject
	calls  int
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, rec *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("clickhouse unavailable")
	}
	f.events = append(f.events, rec)
	return nil
}

func (f *fakeEventStore) recorded() []*models.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.UsageRecord, len(f.events))
	copy(out, f.events)
	return out
}

type fakeLiveCounters struct {
	mu     sync.Mutex
	labels []string
}

func (f *fakeLiveCounters) IncrCall(ctx context.Context, day time.Time, label string, inputTokens, outputTokens int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return nil
}

func testEvent(outcome string) *UsageEvent {
	return &UsageEvent{
		CredentialID:    "sk-test-credential-0001",
		CredentialLabel: "sk-t...0001",
		Pool:            "chat",
		Model:           "gemini-2.0-flash",
		Label:           "study_plan",
		InputTokens:     120,
		OutputTokens:    480,
		Latency:         350 * time.Millisecond,
		Outcome:         outcome,
		Timestamp:       time.Now(),
	}
}

func TestUsageRecorderPersistsSuccess(t *testing.T) {
	pool := credential.NewPool(credential.Config{Logger: logging.Default()})
	defer pool.Close()
	require.NoError(t, pool.Add("sk-test-credential-0001", "primary"))

	creds := &fakeCounterStore{}
	events := &fakeEventStore{}
	counters := &fakeLiveCounters{}

	rec := NewUsageRecorder(&UsageRecorderConfig{
		Pool:     pool,
		Creds:    creds,
		Events:   events,
		Counters: counters,
		Logger:   logging.Default(),
	})

	rec.Record(testEvent("success"))
	rec.Close()

	rows := events.recorded()
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Outcome)
	assert.Equal(t, "sk-t...0001", rows[0].CredentialLabel)
	assert.Equal(t, int64(120), rows[0].InputTokens)
	assert.Equal(t, int64(480), rows[0].OutputTokens)
	assert.Equal(t, int64(350), rows[0].LatencyMS)

	require.Len(t, creds.bumps, 1)
	assert.Equal(t, "sk-test-credential-0001", creds.bumps[0])

	require.Len(t, counters.labels, 1)
	assert.Equal(t, "sk-t...0001", counters.labels[0])

	infos := pool.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(120), infos[0].InputTokens)
	assert.Equal(t, int64(480), infos[0].OutputTokens)
}

func TestUsageRecorderMasksCredentialID(t *testing.T) {
	events := &fakeEventStore{}
	rec := NewUsageRecorder(&UsageRecorderConfig{Events: events, Logger: logging.Default()})

	rec.Record(testEvent("success"))
	rec.Close()

	rows := events.recorded()
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].CredentialID, "test-credential")
	assert.True(t, strings.Contains(rows[0].CredentialID, "..."), "expected masked id, got %q", rows[0].CredentialID)
}

func TestUsageRecorderSkipsCountersOnFailureOutcomes(t *testing.T) {
	creds := &fakeCounterStore{}
	events := &fakeEventStore{}
	counters := &fakeLiveCounters{}

	rec := NewUsageRecorder(&UsageRecorderConfig{
		Creds:    creds,
		Events:   events,
		Counters: counters,
		Logger:   logging.Default(),
	})

	rec.Record(testEvent("transport_error"))
	rec.Record(testEvent("quota_error"))
	rec.Close()

	assert.Empty(t, creds.bumps)
	assert.Empty(t, counters.labels)
	assert.Len(t, events.recorded(), 2)
}

func TestUsageRecorderRetriesEventInsert(t *testing.T) {
	events := &fakeEventStore{fail: 1}
	rec := NewUsageRecorder(&UsageRecorderConfig{Events: events, Logger: logging.Default()})

	rec.Record(testEvent("success"))
	rec.Close()

	assert.Equal(t, 2, events.calls)
	assert.Len(t, events.recorded(), 1)
}

func TestUsageRecorderSwallowsStoreErrors(t *testing.T) {
	creds := &fakeCounterStore{err: errors.New("postgres down")}
	events := &fakeEventStore{fail: 10}

	rec := NewUsageRecorder(&UsageRecorderConfig{
		Creds:  creds,
		Events: events,
		Logger: logging.Default(),
	})

	rec.Record(testEvent("success"))
	rec.Close()

	// Both stores failed; nothing recorded, nothing panicked.
	assert.Len(t, creds.bumps, 1)
	assert.Empty(t, events.recorded())
}

func TestUsageRecorderDropsWhenBufferFull(t *testing.T) {
	block := make(chan struct{})
	events := &slowEventStore{release: block}

	rec := NewUsageRecorder(&UsageRecorderConfig{
		Events:     events,
		BufferSize: 1,
		Logger:     logging.Default(),
	})

	// First event occupies the worker, second fills the buffer, the rest
	// must be dropped without blocking.
	for i := 0; i < 5; i++ {
		rec.Record(testEvent("success"))
	}
	close(block)
	rec.Close()

	assert.LessOrEqual(t, events.count(), 2)
}

func TestUsageRecorderRecordAfterClose(t *testing.T) {
	events := &fakeEventStore{}
	rec := NewUsageRecorder(&UsageRecorderConfig{Events: events, Logger: logging.Default()})
	rec.Close()

	// Must not panic on the closed channel.
	rec.Record(testEvent("success"))
	rec.Close()

	assert.Empty(t, events.recorded())
}

type slowEventStore struct {
	mu      sync.Mutex
	release chan struct{}
	n       int
}

func (s *slowEventStore) InsertEvent(ctx context.Context, rec *models.UsageRecord) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return nil
}

func (s *slowEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
