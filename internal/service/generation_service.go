// Package service contains the generation orchestrator and its telemetry
// recorder: everything between an incoming prompt and the upstream model API.
package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/egress"
	"github.com/studypilot/internal/genai"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// ErrNoCredentials is returned when a generation is requested against an
// empty credential pool.
var ErrNoCredentials = fmt.Errorf("credential pool is empty")

// Generator makes one upstream model call. *genai.Client implements it.
type Generator interface {
	GenerateContent(ctx context.Context, httpClient *http.Client, credential string, p genai.Params) (*genai.Result, error)
}

// UsageSink receives telemetry events, fire-and-forget.
type UsageSink interface {
	Record(event *UsageEvent)
}

// GenerationService turns one prompt into one completion. It owns the retry
// envelope around the credential pool: acquiring, cascading model variants,
// classifying failures and releasing with the right verdict.
type GenerationService struct {
	pool        *credential.Pool
	rotator     *egress.Rotator
	generator   Generator
	recorder    UsageSink
	modelPools  map[string][]string
	defaultPool string
	maxAttempts int
	retryDelay  time.Duration
	callTimeout time.Duration
	logger      *logging.Logger
}

// GenerationServiceConfig holds configuration for the generation service.
type GenerationServiceConfig struct {
	Pool        *credential.Pool
	Rotator     *egress.Rotator
	Generator   Generator
	Recorder    UsageSink // optional
	ModelPools  map[string][]string
	DefaultPool string
	MaxAttempts int           // absolute cap on attempt cycles (default 10)
	RetryDelay  time.Duration // pause between attempt cycles (default 1s)
	CallTimeout time.Duration // per model call (default 60s)
	Logger      *logging.Logger
}

// NewGenerationService creates a new generation service.
func NewGenerationService(cfg *GenerationServiceConfig) (*GenerationService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if cfg.Rotator == nil {
		return nil, fmt.Errorf("egress rotator is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if len(cfg.ModelPools[cfg.DefaultPool]) == 0 {
		return nil, fmt.Errorf("default model pool %q has no variants", cfg.DefaultPool)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &GenerationService{
		pool:        cfg.Pool,
		rotator:     cfg.Rotator,
		generator:   cfg.Generator,
		recorder:    cfg.Recorder,
		modelPools:  cfg.ModelPools,
		defaultPool: cfg.DefaultPool,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		callTimeout: callTimeout,
		logger:      logger.Component("generation"),
	}, nil
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt            string
	Pool              string        // model pool name; empty means the default pool
	Label             string        // caller-supplied purpose tag for telemetry
	Timeout           time.Duration // per model call; empty means the configured default
	SystemInstruction string
	History           []genai.Message
	Attachments       []genai.Attachment
	EnableSearch      bool
}

// GenerateResult is a completed generation with its metadata.
type GenerateResult struct {
	Text            string        `json:"text"`
	Model           string        `json:"model"`
	CredentialLabel string        `json:"credentialLabel"`
	InputTokens     int64         `json:"inputTokens"`
	OutputTokens    int64         `json:"outputTokens"`
	Latency         time.Duration `json:"-"`
	Attempts        int           `json:"attempts"`
}

// Generate runs up to min(2 x poolSize, maxAttempts) attempt cycles. Each
// cycle leases one credential and cascades the pool's model variants on it.
// A fatal request error surfaces immediately; everything else burns an
// attempt and moves to the next credential after a short delay.
func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, &genai.Error{Kind: genai.KindFatalRequest, Message: "prompt is required"}
	}

	poolName := req.Pool
	if poolName == "" {
		poolName = s.defaultPool
	}
	variants := s.modelPools[poolName]
	if len(variants) == 0 {
		return nil, &genai.Error{Kind: genai.KindFatalRequest, Message: fmt.Sprintf("unknown model pool %q", poolName)}
	}

	poolSize := s.pool.Size()
	if poolSize == 0 {
		return nil, ErrNoCredentials
	}

	attempts := 2 * poolSize
	if attempts > s.maxAttempts {
		attempts = s.maxAttempts
	}

	callTimeout := s.callTimeout
	if req.Timeout > 0 {
		callTimeout = req.Timeout
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := s.attempt(ctx, poolName, variants, callTimeout, req)
		if err == nil {
			result.Attempts = attempt
			return result, nil
		}
		if genai.IsFatalRequest(err) {
			// The request itself is broken; more credentials cannot fix it.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		s.logger.WithError(err).WithFields(map[string]interface{}{
			"attempt":  attempt,
			"attempts": attempts,
			"label":    req.Label,
		}).Warn("generation attempt failed")
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", attempts, lastErr)
}

// attempt runs one credential through the model cascade.
func (s *GenerationService) attempt(ctx context.Context, poolName string, variants []string, callTimeout time.Duration, req *GenerateRequest) (*GenerateResult, error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring credential: %w", err)
	}

	route := s.rotator.Next()
	httpClient := s.rotator.Client(route)

	var lastErr error
	for _, model := range variants {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		res, err := s.generator.GenerateContent(callCtx, httpClient, lease.ID, genai.Params{
			Model:             model,
			Prompt:            req.Prompt,
			SystemInstruction: req.SystemInstruction,
			History:           req.History,
			Attachments:       req.Attachments,
			EnableSearch:      req.EnableSearch,
		})
		cancel()
		latency := time.Since(start)

		if err == nil {
			s.rotator.ReportSuccess(route)
			s.pool.Release(lease.ID, credential.OutcomeSuccess)
			s.record(lease, poolName, model, req.Label, res.InputTokens, res.OutputTokens, latency, "success")
			return &GenerateResult{
				Text:            res.Text,
				Model:           model,
				CredentialLabel: lease.Label,
				InputTokens:     res.InputTokens,
				OutputTokens:    res.OutputTokens,
				Latency:         latency,
			}, nil
		}

		switch {
		case genai.IsModelOverload(err):
			// The variant is saturated, not the credential. Fall through the
			// cascade on the same lease.
			s.logger.WithFields(map[string]interface{}{
				"model":      model,
				"credential": models.MaskCredential(lease.ID),
			}).Debug("model overloaded, trying next variant")
			lastErr = err

		case genai.IsQuotaExceeded(err):
			// The route delivered the verdict fine; the credential is spent.
			s.rotator.ReportSuccess(route)
			s.pool.Release(lease.ID, credential.OutcomeQuotaError)
			s.record(lease, poolName, model, req.Label, 0, 0, latency, "quota_error")
			return nil, err

		case genai.IsFatalRequest(err):
			s.rotator.ReportSuccess(route)
			s.pool.Release(lease.ID, credential.OutcomeFatalError)
			s.record(lease, poolName, model, req.Label, 0, 0, latency, "fatal_error")
			return nil, err

		default:
			s.rotator.ReportFailure(route)
			s.pool.Release(lease.ID, credential.OutcomeTransportError)
			s.record(lease, poolName, model, req.Label, 0, 0, latency, "transport_error")
			return nil, err
		}
	}

	// Every variant was overloaded. The credential did nothing wrong, so the
	// release must not count against it.
	s.rotator.ReportSuccess(route)
	s.pool.Release(lease.ID, credential.OutcomeSuccess)
	s.record(lease, poolName, variants[len(variants)-1], req.Label, 0, 0, 0, "model_overload")
	return nil, fmt.Errorf("all model variants overloaded: %w", lastErr)
}

func (s *GenerationService) record(lease credential.Lease, poolName, model, label string, inputTokens, outputTokens int64, latency time.Duration, outcome string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(&UsageEvent{
		CredentialID:    lease.ID,
		CredentialLabel: lease.Label,
		Pool:            poolName,
		Model:           model,
		Label:           label,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		Latency:         latency,
		Outcome:         outcome,
		Timestamp:       time.Now(),
	})
}
