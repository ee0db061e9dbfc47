// Package config loads service configuration from environment variables
// and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Pool      PoolConfig
	GenAI     GenAIConfig
	Egress    EgressConfig
	Worker    WorkerConfig
	Ticker    TickerConfig
	Schedules []ScheduleConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
}

// ServerConfig holds the ops API server configuration.
type ServerConfig struct {
	Port       string
	Host       string
	AdminToken string
	RateRPS    int
}

// DatabaseConfig groups the backing stores.
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// PoolConfig holds credential pool tuning.
type PoolConfig struct {
	Credentials       []string
	DailyQuota        int
	MaxFails          int
	Cooldown          time.Duration
	ReconcileInterval time.Duration
}

// GenAIConfig holds the generation service client and orchestrator tuning.
// Each named pool carries its own ordered model cascade, fast tier first.
type GenAIConfig struct {
	BaseURL      string
	Pools        map[string][]string
	DefaultPool  string
	MaxAttempts  int
	RetryDelay   time.Duration
	CallTimeout  time.Duration
}

// EgressConfig holds the proxy rotation settings. An empty proxy list means
// all traffic goes direct.
type EgressConfig struct {
	Proxies       []string
	RouteMaxFails int
	RouteCooldown time.Duration
}

// WorkerConfig holds the background job worker loop tuning.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	StuckAfter   time.Duration
	MaxAttempts  int
}

// TickerConfig holds the scheduled action ticker tuning.
type TickerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ScheduleConfig is one recurring enqueue: a job type fired on a cron spec.
type ScheduleConfig struct {
	JobType  string
	CronSpec string
}

// TelemetryConfig holds the usage recorder tuning.
type TelemetryConfig struct {
	BufferSize int
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from the environment, reading a .env file
// first when one exists.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env is optional; real deployments set variables directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:       getEnv("SERVER_PORT", "8080"),
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
			RateRPS:    getEnvAsInt("SERVER_RATE_RPS", 50),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "studypilot"),
				User:           getEnv("POSTGRES_USER", "studypilot"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "studypilot"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			},
			Redis: RedisConfig{
				Host:     getEnv("REDIS_HOST", "localhost"),
				Port:     getEnv("REDIS_PORT", "6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
				Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			},
		},
		Pool: PoolConfig{
			Credentials:       getEnvAsSlice("GENAI_API_KEYS", nil),
			DailyQuota:        getEnvAsInt("POOL_DAILY_QUOTA", 20),
			MaxFails:          getEnvAsInt("POOL_MAX_FAILS", 4),
			Cooldown:          getEnvAsDuration("POOL_COOLDOWN", 60*time.Second),
			ReconcileInterval: getEnvAsDuration("POOL_RECONCILE_INTERVAL", 5*time.Minute),
		},
		GenAI: GenAIConfig{
			BaseURL:     getEnv("GENAI_BASE_URL", "https://generativelanguage.googleapis.com"),
			DefaultPool: getEnv("GENAI_DEFAULT_POOL", "default"),
			MaxAttempts: getEnvAsInt("GENAI_MAX_ATTEMPTS", 10),
			RetryDelay:  getEnvAsDuration("GENAI_RETRY_DELAY", 1*time.Second),
			CallTimeout: getEnvAsDuration("GENAI_TIMEOUT", 60*time.Second),
		},
		Egress: EgressConfig{
			Proxies:       getEnvAsSlice("EGRESS_PROXIES", nil),
			RouteMaxFails: getEnvAsInt("EGRESS_ROUTE_MAX_FAILS", 3),
			RouteCooldown: getEnvAsDuration("EGRESS_ROUTE_COOLDOWN", 5*time.Minute),
		},
		Worker: WorkerConfig{
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 3*time.Second),
			BatchSize:    getEnvAsInt("WORKER_BATCH_SIZE", 5),
			JobTimeout:   getEnvAsDuration("WORKER_JOB_TIMEOUT", 4*time.Minute),
			StuckAfter:   getEnvAsDuration("WORKER_STUCK_AFTER", 5*time.Minute),
			MaxAttempts:  getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		},
		Ticker: TickerConfig{
			Interval:  getEnvAsDuration("TICKER_INTERVAL", 60*time.Second),
			BatchSize: getEnvAsInt("TICKER_BATCH_SIZE", 50),
		},
		Telemetry: TelemetryConfig{
			BufferSize: getEnvAsInt("TELEMETRY_BUFFER", 256),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	cfg.GenAI.Pools = loadModelPools(cfg.GenAI.DefaultPool)
	cfg.Schedules = loadSchedules()

	if _, ok := cfg.GenAI.Pools[cfg.GenAI.DefaultPool]; !ok {
		return nil, fmt.Errorf("default model pool %q has no model list", cfg.GenAI.DefaultPool)
	}

	return cfg, nil
}

// loadModelPools reads the named model pools and their cascades. Pool names
// come from GENAI_POOLS; each pool's ordered variant list comes from
// <POOL>_MODELS.
func loadModelPools(defaultPool string) map[string][]string {
	names := getEnvAsSlice("GENAI_POOLS", []string{defaultPool})

	pools := make(map[string][]string, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_MODELS"
		models := getEnvAsSlice(key, nil)
		if len(models) == 0 && name == defaultPool {
			models = []string{"gemini-2.5-flash", "gemini-2.5-pro"}
		}
		if len(models) > 0 {
			pools[name] = models
		}
	}

	return pools
}

// loadSchedules parses SCHEDULES, a semicolon-separated list of
// "jobType=cron spec" entries.
func loadSchedules() []ScheduleConfig {
	raw := getEnv("SCHEDULES", "")
	if raw == "" {
		return nil
	}

	var schedules []ScheduleConfig
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		jobType, spec, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		schedules = append(schedules, ScheduleConfig{
			JobType:  strings.TrimSpace(jobType),
			CronSpec: strings.TrimSpace(spec),
		})
	}

	return schedules
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice gets a comma-separated environment variable as a trimmed
// string slice, dropping empty entries.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			values = append(values, p)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
