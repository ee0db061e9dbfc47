package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/service"
	"github.com/studypilot/internal/storage"
)

// TextGenerator produces one completion. *service.GenerationService
// implements it.
type TextGenerator interface {
	Generate(ctx context.Context, req *service.GenerateRequest) (*service.GenerateResult, error)
}

// ActionScheduler inserts scheduled actions. *scheduler.Service implements
// it.
type ActionScheduler interface {
	Schedule(ctx context.Context, userRef string, executeAt time.Time, title, message string, meta json.RawMessage) (string, error)
}

// ActionReader lists a user's scheduled actions. *storage.ScheduledActionRepository
// implements it.
type ActionReader interface {
	ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error)
}

// UsageReader serves per-day usage rollups. *storage.UsageEventRepository
// implements it.
type UsageReader interface {
	DailyTotals(ctx context.Context, since time.Time) ([]*storage.DailyUsageRow, error)
}

const planSystemInstruction = "You are a study coach. Produce a concrete, day-by-day study plan. " +
	"Keep it realistic for the stated daily time budget and end with one short encouragement."

// GeneratePlanHandler turns a plan request into generated study-plan text and
// schedules its delivery to the user.
type GeneratePlanHandler struct {
	generator TextGenerator
	actions   ActionScheduler
	logger    *logging.Logger
}

// NewGeneratePlanHandler creates the generate_plan handler.
func NewGeneratePlanHandler(generator TextGenerator, actions ActionScheduler, logger *logging.Logger) *GeneratePlanHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &GeneratePlanHandler{
		generator: generator,
		actions:   actions,
		logger:    logger.Component("generate_plan"),
	}
}

// PlanPayload is the generate_plan job payload.
type PlanPayload struct {
	Subject      string   `json:"subject"`
	GoalDate     string   `json:"goalDate,omitempty"` // YYYY-MM-DD
	DailyMinutes int      `json:"dailyMinutes,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Handle generates the plan and schedules it as an immediately-due action.
func (h *GeneratePlanHandler) Handle(ctx context.Context, job *models.Job) error {
	var p PlanPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decoding plan payload: %w", err)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("plan payload needs a subject")
	}
	if p.GoalDate != "" {
		if _, err := time.Parse("2006-01-02", p.GoalDate); err != nil {
			return fmt.Errorf("invalid goal date %q: %w", p.GoalDate, err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Create a study plan for %s.", p.Subject)
	if p.GoalDate != "" {
		fmt.Fprintf(&b, " The exam or deadline is on %s.", p.GoalDate)
	}
	if p.DailyMinutes > 0 {
		fmt.Fprintf(&b, " The student has about %d minutes per day.", p.DailyMinutes)
	}
	if len(p.Topics) > 0 {
		fmt.Fprintf(&b, " Cover these topics: %s.", strings.Join(p.Topics, ", "))
	}
	if p.Notes != "" {
		fmt.Fprintf(&b, " Additional context: %s", p.Notes)
	}

	res, err := h.generator.Generate(ctx, &service.GenerateRequest{
		Prompt:            b.String(),
		SystemInstruction: planSystemInstruction,
		Label:             "study_plan",
	})
	if err != nil {
		return fmt.Errorf("generating plan: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"jobId": job.ID, "model": res.Model})
	actionID, err := h.actions.Schedule(ctx, job.UserRef, time.Now().UTC(),
		fmt.Sprintf("Study plan: %s", p.Subject), res.Text, meta)
	if err != nil {
		return fmt.Errorf("scheduling plan delivery: %w", err)
	}

	h.logger.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"action_id": actionID,
		"model":     res.Model,
	}).Info("study plan generated")
	return nil
}

// ReminderSweepHandler looks at a user's upcoming actions and generates one
// short nudge covering them.
type ReminderSweepHandler struct {
	generator TextGenerator
	actions   ActionScheduler
	reader    ActionReader
	horizon   time.Duration
	logger    *logging.Logger
}

// NewReminderSweepHandler creates the reminder_sweep handler.
func NewReminderSweepHandler(generator TextGenerator, actions ActionScheduler, reader ActionReader, logger *logging.Logger) *ReminderSweepHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReminderSweepHandler{
		generator: generator,
		actions:   actions,
		reader:    reader,
		horizon:   24 * time.Hour,
		logger:    logger.Component("reminder_sweep"),
	}
}

// Handle composes a reminder for everything pending within the horizon.
// A user with nothing due is a successful no-op.
func (h *ReminderSweepHandler) Handle(ctx context.Context, job *models.Job) error {
	if job.UserRef == "" {
		return fmt.Errorf("reminder sweep needs a user reference")
	}

	all, err := h.reader.ListByUser(ctx, job.UserRef, 50)
	if err != nil {
		return fmt.Errorf("listing actions for %s: %w", job.UserRef, err)
	}

	now := time.Now()
	var upcoming []*models.ScheduledAction
	for _, a := range all {
		if a.Status == models.ActionPending && a.ExecuteAt.After(now) && a.ExecuteAt.Before(now.Add(h.horizon)) {
			upcoming = append(upcoming, a)
		}
	}
	if len(upcoming) == 0 {
		h.logger.WithField("user", job.UserRef).Debug("nothing due within the horizon")
		return nil
	}

	var b strings.Builder
	b.WriteString("Write a short, friendly reminder (2-3 sentences) for a student with these upcoming items:\n")
	for _, a := range upcoming {
		fmt.Fprintf(&b, "- %s at %s\n", a.Title, a.ExecuteAt.Format("Mon 15:04"))
	}

	res, err := h.generator.Generate(ctx, &service.GenerateRequest{
		Prompt: b.String(),
		Label:  "reminder",
	})
	if err != nil {
		return fmt.Errorf("generating reminder: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"jobId": job.ID, "items": fmt.Sprintf("%d", len(upcoming))})
	if _, err := h.actions.Schedule(ctx, job.UserRef, time.Now().UTC(), "Reminder", res.Text, meta); err != nil {
		return fmt.Errorf("scheduling reminder: %w", err)
	}
	return nil
}

// NightlyAnalysisHandler rolls up yesterday's usage and generates an ops
// digest.
type NightlyAnalysisHandler struct {
	generator TextGenerator
	actions   ActionScheduler
	usage     UsageReader
	logger    *logging.Logger
}

// NewNightlyAnalysisHandler creates the nightly_analysis handler.
func NewNightlyAnalysisHandler(generator TextGenerator, actions ActionScheduler, usage UsageReader, logger *logging.Logger) *NightlyAnalysisHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &NightlyAnalysisHandler{
		generator: generator,
		actions:   actions,
		usage:     usage,
		logger:    logger.Component("nightly_analysis"),
	}
}

// Handle summarizes the last day of usage. No usage means nothing to report.
func (h *NightlyAnalysisHandler) Handle(ctx context.Context, job *models.Job) error {
	since := time.Now().UTC().Add(-24 * time.Hour).Truncate(24 * time.Hour)
	rows, err := h.usage.DailyTotals(ctx, since)
	if err != nil {
		return fmt.Errorf("reading usage rollup: %w", err)
	}
	if len(rows) == 0 {
		h.logger.Info("no usage since yesterday, skipping analysis")
		return nil
	}

	var b strings.Builder
	b.WriteString("Summarize this API usage for an operations digest. Call out anything unusual:\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "- %s %s/%s: %d calls, %d in / %d out tokens, avg latency %.0fms\n",
			row.Day.Format("2006-01-02"), row.Pool, row.Model, row.Calls, row.InputTokens, row.OutputTokens, row.AvgLatencyMS)
	}

	res, err := h.generator.Generate(ctx, &service.GenerateRequest{
		Prompt: b.String(),
		Label:  "nightly_analysis",
	})
	if err != nil {
		return fmt.Errorf("generating analysis: %w", err)
	}

	userRef := job.UserRef
	if userRef == "" {
		userRef = "ops"
	}
	meta, _ := json.Marshal(map[string]string{"jobId": job.ID})
	if _, err := h.actions.Schedule(ctx, userRef, time.Now().UTC(), "Nightly usage digest", res.Text, meta); err != nil {
		return fmt.Errorf("scheduling digest: %w", err)
	}
	return nil
}
