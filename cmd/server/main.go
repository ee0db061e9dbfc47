// Package main provides the studypilot service entry point: the ops API,
// credential pool, job worker, action ticker and telemetry recorder.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studypilot/internal/api"
	"github.com/studypilot/internal/config"
	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/egress"
	"github.com/studypilot/internal/genai"
	"github.com/studypilot/internal/job"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/scheduler"
	"github.com/studypilot/internal/service"
	"github.com/studypilot/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Default().Fatalf("failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), logging.ParseFormat(cfg.Logging.Format))
	logging.SetDefault(logger)

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("structured logging initialized")

	ctx := context.Background()

	// Connect to Postgres; the pool mirror, jobs and actions live here
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to Postgres")
	}
	defer postgres.Close()

	// ClickHouse and Redis are optional. Without them telemetry degrades to
	// the pool's in-memory counters and the usage endpoints report what they
	// can.
	var clickhouse *storage.ClickHouseDB
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, usage events will not be recorded")
			clickhouse = nil
		} else {
			defer clickhouse.Close()
		}
	}

	var redis *storage.RedisCache
	if cfg.Database.Redis.Enabled {
		redis, err = storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, live usage counters disabled")
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	// Initialize repositories
	credRepo := storage.NewCredentialRepository(postgres)
	jobRepo := storage.NewJobRepository(postgres)
	actionRepo := storage.NewScheduledActionRepository(postgres)

	var eventRepo *storage.UsageEventRepository
	if clickhouse != nil {
		eventRepo = storage.NewUsageEventRepository(clickhouse)
	}
	var liveCounters *storage.UsageCounters
	if redis != nil {
		liveCounters = storage.NewUsageCounters(redis)
	}

	// Credential pool, seeded from the durable mirror plus the environment
	pool := credential.NewPool(credential.Config{
		DailyQuota: cfg.Pool.DailyQuota,
		MaxFails:   cfg.Pool.MaxFails,
		Cooldown:   cfg.Pool.Cooldown,
		Store:      credRepo,
		Logger:     logger,
	})
	defer pool.Close()

	if err := pool.Seed(ctx, cfg.Pool.Credentials); err != nil {
		logger.WithError(err).Fatal("failed to seed credential pool")
	}

	reconciler, err := credential.NewReconciler(&credential.ReconcilerConfig{
		Pool:     pool,
		Store:    credRepo,
		Interval: cfg.Pool.ReconcileInterval,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create credential reconciler")
	}

	// Egress routes for upstream calls
	rotator, err := egress.NewRotator(cfg.Egress.Proxies, cfg.Egress.RouteMaxFails, cfg.Egress.RouteCooldown, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to configure egress routes")
	}

	// Telemetry recorder; optional stores are left unset rather than wired
	// with nil pointers
	recorderCfg := &service.UsageRecorderConfig{
		Pool:       pool,
		Creds:      credRepo,
		BufferSize: cfg.Telemetry.BufferSize,
		Logger:     logger,
	}
	if eventRepo != nil {
		recorderCfg.Events = eventRepo
	}
	if liveCounters != nil {
		recorderCfg.Counters = liveCounters
	}
	recorder := service.NewUsageRecorder(recorderCfg)

	// Generation orchestrator
	generationService, err := service.NewGenerationService(&service.GenerationServiceConfig{
		Pool:        pool,
		Rotator:     rotator,
		Generator:   genai.NewClient(cfg.GenAI.BaseURL),
		Recorder:    recorder,
		ModelPools:  cfg.GenAI.Pools,
		DefaultPool: cfg.GenAI.DefaultPool,
		MaxAttempts: cfg.GenAI.MaxAttempts,
		RetryDelay:  cfg.GenAI.RetryDelay,
		CallTimeout: cfg.GenAI.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create generation service")
	}

	// Scheduled actions
	actionService, err := scheduler.NewService(actionRepo, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create action service")
	}

	ticker, err := scheduler.NewTicker(&scheduler.TickerConfig{
		Store:     actionRepo,
		Notifier:  scheduler.NewLogNotifier(logger),
		Interval:  cfg.Ticker.Interval,
		BatchSize: cfg.Ticker.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create action ticker")
	}

	// Job queue, handlers and worker loop
	queue, err := job.NewQueue(jobRepo, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create job queue")
	}

	registry := job.NewRegistry()
	if err := registry.Register(models.JobTypeGeneratePlan,
		job.NewGeneratePlanHandler(generationService, actionService, logger)); err != nil {
		logger.WithError(err).Fatal("failed to register job handler")
	}
	if err := registry.Register(models.JobTypeReminderSweep,
		job.NewReminderSweepHandler(generationService, actionService, actionService, logger)); err != nil {
		logger.WithError(err).Fatal("failed to register job handler")
	}
	if eventRepo != nil {
		if err := registry.Register(models.JobTypeNightlyAnalysis,
			job.NewNightlyAnalysisHandler(generationService, actionService, eventRepo, logger)); err != nil {
			logger.WithError(err).Fatal("failed to register job handler")
		}
	} else {
		logger.Warn("nightly analysis handler disabled: no usage event store")
	}

	worker, err := job.NewWorker(&job.WorkerConfig{
		Store:        jobRepo,
		Registry:     registry,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		JobTimeout:   cfg.Worker.JobTimeout,
		StuckAfter:   cfg.Worker.StuckAfter,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create job worker")
	}

	// Recurring schedules feed the queue through cron specs
	cronJobs, err := scheduler.NewCron(queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create cron registrar")
	}
	for _, s := range cfg.Schedules {
		if err := cronJobs.Register(s.JobType, s.CronSpec); err != nil {
			logger.WithError(err).Fatalf("failed to register schedule %s", s.JobType)
		}
	}
	if len(cfg.Schedules) == 0 {
		logger.Info("no recurring schedules configured")
	}

	// Start the background loops
	if err := worker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start job worker")
	}
	if err := ticker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start action ticker")
	}
	cronJobs.Start()
	if err := reconciler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start credential reconciler")
	}

	// Ops API server
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateRPS:         cfg.Server.RateRPS,
		AdminToken:      cfg.Server.AdminToken,
	}

	pingers := map[string]api.Pinger{"postgres": postgres}
	if clickhouse != nil {
		pingers["clickhouse"] = clickhouse
	}
	if redis != nil {
		pingers["redis"] = redis
	}

	var usageRollups api.UsageRollups
	if eventRepo != nil {
		usageRollups = eventRepo
	}
	var counters api.LiveCounters
	if liveCounters != nil {
		counters = liveCounters
	}

	server := api.NewServer(serverConfig, pool, queue, jobRepo, actionService,
		usageRollups, counters, pingers, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("server started")

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Stop in reverse of the startup order: no new requests, then no new
	// ticks, then drain the telemetry buffer.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("credential reconciler shutdown failed")
	}
	if err := cronJobs.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("cron registrar shutdown failed")
	}
	if err := ticker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("action ticker shutdown failed")
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("job worker shutdown failed")
	}
	recorder.Close()

	logger.Info("server exited")
}
