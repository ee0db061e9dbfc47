// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/studypilot/internal/credential"
	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
	"github.com/studypilot/internal/storage"
)

// Service interfaces for dependency injection and testing

// CredentialPool defines the pool operations exposed to operators.
type CredentialPool interface {
	Add(secret, label string) error
	Remove(secret string)
	Revive(secret string) error
	Snapshot() []credential.Info
	Size() int
}

// JobQueue defines the enqueue side of the background job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, userRef, jobType string, payload json.RawMessage) (*models.Job, error)
}

// JobReader defines the read side: status polls and dead-letter inspection.
type JobReader interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// ActionService defines the scheduled action operations exposed over HTTP.
type ActionService interface {
	Schedule(ctx context.Context, userRef string, executeAt time.Time, title, message string, meta json.RawMessage) (string, error)
	Get(ctx context.Context, id string) (*models.ScheduledAction, error)
	ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error)
}

// UsageRollups reads aggregated usage from the event store.
type UsageRollups interface {
	DailyTotals(ctx context.Context, since time.Time) ([]*storage.DailyUsageRow, error)
	LabelTotals(ctx context.Context, from, to time.Time) (map[string]*storage.DailyUsageRow, error)
}

// LiveCounters reads the current day's usage counters.
type LiveCounters interface {
	GetDay(ctx context.Context, day time.Time) (map[string]*storage.DayCounters, error)
}

// Pinger reports whether a backing component is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	pool       CredentialPool
	queue      JobQueue
	jobs       JobReader
	actions    ActionService
	usage      UsageRollups
	counters   LiveCounters
	pingers    map[string]Pinger
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateRPS         int    // Requests per second allowed per client
	AdminToken      string // Empty disables bearer auth on /api
}

// NewServer creates a new API server instance. The usage and counters stores
// may be nil when ClickHouse or Redis is not configured; the usage endpoints
// then serve whatever side is available.
func NewServer(
	config *ServerConfig,
	pool CredentialPool,
	queue JobQueue,
	jobs JobReader,
	actions ActionService,
	usage UsageRollups,
	counters LiveCounters,
	pingers map[string]Pinger,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		router:   mux.NewRouter(),
		pool:     pool,
		queue:    queue,
		jobs:     jobs,
		actions:  actions,
		usage:    usage,
		counters: counters,
		pingers:  pingers,
		logger:   logger.Component("api"),
		config:   config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Create rate limiter
	rateLimiter := NewRateLimiter(s.config.RateRPS)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter)) // Rate limiting after CORS
	s.router.Use(AuthMiddleware(s.config.AdminToken))
	s.router.Use(CompressionMiddleware)

	// Set up routes
	s.setupRoutes()

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint (unauthenticated)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Credential pool endpoints
	api.HandleFunc("/credentials", s.handleListCredentials).Methods("GET")
	api.HandleFunc("/credentials", s.handleAddCredential).Methods("POST")
	api.HandleFunc("/credentials", s.handleRemoveCredential).Methods("DELETE")
	api.HandleFunc("/credentials/revive", s.handleReviveCredential).Methods("POST")

	// Job queue endpoints
	api.HandleFunc("/jobs", s.handleEnqueueJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")

	// Scheduled action endpoints
	api.HandleFunc("/actions", s.handleScheduleAction).Methods("POST")
	api.HandleFunc("/actions", s.handleListActions).Methods("GET")
	api.HandleFunc("/actions/{id}", s.handleGetAction).Methods("GET")

	// Usage endpoints
	api.HandleFunc("/usage", s.handleUsageSummary).Methods("GET")
	api.HandleFunc("/usage/{label}", s.handleUsageByLabel).Methods("GET")
}

// handleHealth handles health check requests. Each backing component gets a
// short ping; a failing component degrades the report but the endpoint stays
// 200 as long as the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(s.pingers))

	names := make([]string, 0, len(s.pingers))
	for name := range s.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.pingers[name].Ping(ctx)
		cancel()

		if err != nil {
			components[name] = "unreachable"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"service":    "studypilot",
		"poolSize":   s.pool.Size(),
		"components": components,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
