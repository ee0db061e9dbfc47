package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/service"
	"github.com/studypilot/internal/storage"
)

type fakeTextGenerator struct {
	prompts []string
	labels  []string
	text    string
	err     error
}

func (f *fakeTextGenerator) Generate(ctx context.Context, req *service.GenerateRequest) (*service.GenerateResult, error) {
	f.prompts = append(f.prompts, req.Prompt)
	f.labels = append(f.labels, req.Label)
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if text == "" {
		text = "generated text"
	}
	return &service.GenerateResult{Text: text, Model: "gemini-2.0-flash", InputTokens: 10, OutputTokens: 50}, nil
}

type scheduledCall struct {
	UserRef   string
	ExecuteAt time.Time
	Title     string
	Message   string
	Meta      json.RawMessage
}

type fakeActionScheduler struct {
	calls []scheduledCall
	err   error
}

func (f *fakeActionScheduler) Schedule(ctx context.Context, userRef string, executeAt time.Time, title, message string, meta json.RawMessage) (string, error) {
	f.calls = append(f.calls, scheduledCall{userRef, executeAt, title, message, meta})
	if f.err != nil {
		return "", f.err
	}
	return "action-1", nil
}

type fakeActionReader struct {
	actions []*models.ScheduledAction
	err     error
}

func (f *fakeActionReader) ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error) {
	return f.actions, f.err
}

type fakeUsageReader struct {
	rows []*storage.DailyUsageRow
	err  error
}

func (f *fakeUsageReader) DailyTotals(ctx context.Context, since time.Time) ([]*storage.DailyUsageRow, error) {
	return f.rows, f.err
}

func planJob(t *testing.T, payload string) *models.Job {
	t.Helper()
	return &models.Job{
		ID:      "job-1",
		Type:    models.JobTypeGeneratePlan,
		UserRef: "user-9",
		Payload: json.RawMessage(payload),
	}
}

func TestGeneratePlanHandler(t *testing.T) {
	gen := &fakeTextGenerator{text: "Day 1: derivatives..."}
	actions := &fakeActionScheduler{}
	h := NewGeneratePlanHandler(gen, actions, logging.Default())

	job := planJob(t, `{"subject":"calculus","goalDate":"2026-09-20","dailyMinutes":45,"topics":["limits","derivatives"]}`)
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "calculus")
	assert.Contains(t, gen.prompts[0], "2026-09-20")
	assert.Contains(t, gen.prompts[0], "45 minutes")
	assert.Contains(t, gen.prompts[0], "limits, derivatives")
	assert.Equal(t, []string{"study_plan"}, gen.labels)

	require.Len(t, actions.calls, 1)
	call := actions.calls[0]
	assert.Equal(t, "user-9", call.UserRef)
	assert.Equal(t, "Study plan: calculus", call.Title)
	assert.Equal(t, "Day 1: derivatives...", call.Message)
	assert.WithinDuration(t, time.Now(), call.ExecuteAt, 5*time.Second)
	assert.JSONEq(t, `{"jobId":"job-1","model":"gemini-2.0-flash"}`, string(call.Meta))
}

func TestGeneratePlanHandlerRejectsBadPayload(t *testing.T) {
	gen := &fakeTextGenerator{}
	h := NewGeneratePlanHandler(gen, &fakeActionScheduler{}, logging.Default())

	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"malformed json", `{"subject":`, "decoding plan payload"},
		{"missing subject", `{"topics":["a"]}`, "needs a subject"},
		{"bad goal date", `{"subject":"x","goalDate":"20-09-2026"}`, "invalid goal date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), planJob(t, tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	// Payload validation happens before any credential is spent.
	assert.Empty(t, gen.prompts)
}

func TestGeneratePlanHandlerPropagatesGenerationError(t *testing.T) {
	gen := &fakeTextGenerator{err: errors.New("pool exhausted")}
	h := NewGeneratePlanHandler(gen, &fakeActionScheduler{}, logging.Default())

	err := h.Handle(context.Background(), planJob(t, `{"subject":"physics"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generating plan")
}

func TestReminderSweepHandler(t *testing.T) {
	now := time.Now()
	reader := &fakeActionReader{actions: []*models.ScheduledAction{
		{Title: "Review limits", Status: models.ActionPending, ExecuteAt: now.Add(2 * time.Hour)},
		{Title: "Mock exam", Status: models.ActionPending, ExecuteAt: now.Add(48 * time.Hour)}, // beyond horizon
		{Title: "Old quiz", Status: models.ActionCompleted, ExecuteAt: now.Add(3 * time.Hour)},
	}}
	gen := &fakeTextGenerator{text: "Don't forget your review!"}
	actions := &fakeActionScheduler{}
	h := NewReminderSweepHandler(gen, actions, reader, logging.Default())

	job := &models.Job{ID: "job-2", Type: models.JobTypeReminderSweep, UserRef: "user-9", Payload: json.RawMessage(`{}`)}
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Review limits")
	assert.NotContains(t, gen.prompts[0], "Mock exam")
	assert.NotContains(t, gen.prompts[0], "Old quiz")

	require.Len(t, actions.calls, 1)
	assert.Equal(t, "Reminder", actions.calls[0].Title)
	assert.Equal(t, "Don't forget your review!", actions.calls[0].Message)
}

func TestReminderSweepHandlerNothingDue(t *testing.T) {
	gen := &fakeTextGenerator{}
	actions := &fakeActionScheduler{}
	h := NewReminderSweepHandler(gen, actions, &fakeActionReader{}, logging.Default())

	job := &models.Job{ID: "job-2", Type: models.JobTypeReminderSweep, UserRef: "user-9", Payload: json.RawMessage(`{}`)}
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Empty(t, gen.prompts, "no generation for an empty sweep")
	assert.Empty(t, actions.calls)
}

func TestReminderSweepHandlerRequiresUser(t *testing.T) {
	h := NewReminderSweepHandler(&fakeTextGenerator{}, &fakeActionScheduler{}, &fakeActionReader{}, logging.Default())

	err := h.Handle(context.Background(), &models.Job{ID: "job-2", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a user reference")
}

func TestNightlyAnalysisHandler(t *testing.T) {
	usage := &fakeUsageReader{rows: []*storage.DailyUsageRow{
		{Day: time.Now().Add(-24 * time.Hour), Pool: "chat", Model: "gemini-2.0-flash", Calls: 120, InputTokens: 9000, OutputTokens: 31000, AvgLatencyMS: 412},
	}}
	gen := &fakeTextGenerator{text: "Usage was normal."}
	actions := &fakeActionScheduler{}
	h := NewNightlyAnalysisHandler(gen, actions, usage, logging.Default())

	job := &models.Job{ID: "job-3", Type: models.JobTypeNightlyAnalysis, Payload: json.RawMessage(`{}`)}
	require.NoError(t, h.Handle(context.Background(), job))

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "chat/gemini-2.0-flash")
	assert.Contains(t, gen.prompts[0], "120 calls")
	assert.Equal(t, []string{"nightly_analysis"}, gen.labels)

	require.Len(t, actions.calls, 1)
	assert.Equal(t, "ops", actions.calls[0].UserRef, "empty user ref falls back to ops")
	assert.Equal(t, "Nightly usage digest", actions.calls[0].Title)
}

func TestNightlyAnalysisHandlerNoUsage(t *testing.T) {
	gen := &fakeTextGenerator{}
	actions := &fakeActionScheduler{}
	h := NewNightlyAnalysisHandler(gen, actions, &fakeUsageReader{}, logging.Default())

	job := &models.Job{ID: "job-3", Type: models.JobTypeNightlyAnalysis, Payload: json.RawMessage(`{}`)}
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Empty(t, gen.prompts)
	assert.Empty(t, actions.calls)
}
