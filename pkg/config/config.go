// Package config loads the gateway's runtime configuration from environment
// variables (with local .env support), the same envdecode+godotenv
// combination the teacher's pkg/config uses.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig controls the admin/health HTTP surface.
type ServerConfig struct {
	Host string `env:"SERVER_HOST"`
	Port int    `env:"SERVER_PORT"`
}

// InboundConfig controls the separate INBOUND proxy HTTP surface.
type InboundConfig struct {
	Host string `env:"INBOUND_HOST"`
	Port int    `env:"INBOUND_PORT"`
}

// DatabaseConfig controls the Postgres persistence layer.
type DatabaseConfig struct {
	DSN             string `env:"DATABASE_DSN"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS"`
	MigrateOnStart  bool   `env:"DATABASE_MIGRATE_ON_START"`
}

// MongoConfig controls the pluggable Mongo scheduled-source poller.
type MongoConfig struct {
	URI      string `env:"MONGO_URI"`
	Database string `env:"MONGO_DATABASE"`
}

// RedisConfig controls the optional shared cache backing the OAuth2 token
// cache and the cross-instance circuit breaker mirror. Empty URL keeps both
// on their process-local fallback.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Format     string `env:"LOG_FORMAT"`
	Output     string `env:"LOG_OUTPUT"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// PollerConfig controls the Source Poller (spec.md §4.A).
type PollerConfig struct {
	IntervalSeconds int `env:"POLLER_INTERVAL_SECONDS"`
	BatchSize       int `env:"POLLER_BATCH_SIZE"`
	DBTimeoutSeconds int `env:"POLLER_DB_TIMEOUT_SECONDS"`
	PoolSize        int `env:"POLLER_POOL_SIZE"`
	MaxBackoffSeconds int `env:"POLLER_MAX_BACKOFF_SECONDS"`
}

// DeliveryConfig controls the Delivery Engine (spec.md §4.G).
type DeliveryConfig struct {
	DefaultTimeoutMs int  `env:"DELIVERY_DEFAULT_TIMEOUT_MS"`
	WorkerMultiplier int  `env:"DELIVERY_WORKER_MULTIPLIER"`
	AllowLocalURLs   bool `env:"DELIVERY_ALLOW_LOCAL_URLS"`
	MaxResponseBodyBytes int `env:"DELIVERY_MAX_RESPONSE_BODY_BYTES"`
	MaxRequestBodyBytes  int `env:"DELIVERY_MAX_REQUEST_BODY_BYTES"`
}

// RetryConfig controls the Retry & DLQ Manager (spec.md §4.H).
type RetryConfig struct {
	BaseDelayMs     int `env:"RETRY_BASE_DELAY_MS"`
	MaxDelaySeconds int `env:"RETRY_MAX_DELAY_SECONDS"`
	DefaultMaxAttempts int `env:"RETRY_DEFAULT_MAX_ATTEMPTS"`
	TickIntervalSeconds int `env:"RETRY_TICK_INTERVAL_SECONDS"`
	TickBatchSize   int `env:"RETRY_TICK_BATCH_SIZE"`
}

// CircuitConfig controls the Circuit Breaker (spec.md §4.I).
type CircuitConfig struct {
	Threshold            int `env:"CIRCUIT_THRESHOLD"`
	CooldownSeconds       int `env:"CIRCUIT_COOLDOWN_SECONDS"`
	AutoDisableThreshold  int `env:"CIRCUIT_AUTO_DISABLE_THRESHOLD"`
}

// SchedulerConfig controls the Scheduler (spec.md §4.J).
type SchedulerConfig struct {
	TickIntervalSeconds int `env:"SCHEDULER_TICK_INTERVAL_SECONDS"`
	SkewSeconds         int `env:"SCHEDULER_SKEW_SECONDS"`
	LeaseSeconds        int `env:"SCHEDULER_LEASE_SECONDS"`
	OverdueWindowMinutes int `env:"SCHEDULER_OVERDUE_WINDOW_MINUTES"`
	ScriptCPUSeconds    int `env:"SCHEDULER_SCRIPT_CPU_SECONDS"`
}

// AlertConfig controls the Alert Dispatcher (spec.md §4.K).
type AlertConfig struct {
	WindowMinutes int    `env:"ALERT_WINDOW_MINUTES"`
	DashboardURL  string `env:"ALERT_DASHBOARD_URL"`
	// SweepIntervalSeconds drives the periodic digest sweep; 0 disables it.
	SweepIntervalSeconds int `env:"ALERT_SWEEP_INTERVAL_SECONDS"`
	// Watchlist is a ";"-separated list of "orgId:integrationId:channelKey:recipient1|recipient2"
	// entries the sweep ticker dispatches a digest for on every interval.
	Watchlist string `env:"ALERT_WATCHLIST"`

	SMTPHost     string `env:"ALERT_SMTP_HOST"`
	SMTPPort     int    `env:"ALERT_SMTP_PORT"`
	SMTPUsername string `env:"ALERT_SMTP_USERNAME"`
	SMTPPassword string `env:"ALERT_SMTP_PASSWORD"`
	SMTPFrom     string `env:"ALERT_SMTP_FROM"`

	SlackToken string `env:"ALERT_SLACK_TOKEN"`
}

// SandboxConfig controls the Secure Script Sandbox (spec.md §4.M).
type SandboxConfig struct {
	TransformationCPUSeconds int `env:"SANDBOX_TRANSFORMATION_CPU_SECONDS"`
	SchedulingCPUSeconds     int `env:"SANDBOX_SCHEDULING_CPU_SECONDS"`
}

// Config is the top-level gateway configuration structure.
type Config struct {
	Server    ServerConfig
	Inbound   InboundConfig
	Database  DatabaseConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	Poller    PollerConfig
	Delivery  DeliveryConfig
	Retry     RetryConfig
	Circuit   CircuitConfig
	Scheduler SchedulerConfig
	Alert     AlertConfig
	Sandbox   SandboxConfig
}

// New returns a configuration populated with spec.md's documented defaults.
func New() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Inbound: InboundConfig{Host: "0.0.0.0", Port: 8081},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "gateway",
		},
		Poller: PollerConfig{
			IntervalSeconds:   5,
			BatchSize:         10,
			DBTimeoutSeconds:  30,
			PoolSize:          5,
			MaxBackoffSeconds: 60,
		},
		Delivery: DeliveryConfig{
			DefaultTimeoutMs:     10_000,
			WorkerMultiplier:     2,
			MaxResponseBodyBytes: 100 * 1024,
			MaxRequestBodyBytes:  50 * 1024,
		},
		Retry: RetryConfig{
			BaseDelayMs:         1_000,
			MaxDelaySeconds:     300,
			DefaultMaxAttempts:  3,
			TickIntervalSeconds: 15,
			TickBatchSize:       50,
		},
		Circuit: CircuitConfig{
			Threshold:           10,
			CooldownSeconds:     300,
			AutoDisableThreshold: 50,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSeconds:  30,
			SkewSeconds:          60,
			LeaseSeconds:         60,
			OverdueWindowMinutes: 1,
			ScriptCPUSeconds:     5,
		},
		Alert: AlertConfig{
			WindowMinutes:        60,
			SweepIntervalSeconds: 300,
		},
		Sandbox: SandboxConfig{
			TransformationCPUSeconds: 60,
			SchedulingCPUSeconds:     5,
		},
	}
}

// Load loads configuration from a local .env file (if present) and
// environment variables, applying spec.md's defaults as the Go zero-value
// fallback.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}
