package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for flowdeck-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional - event fan-out across nodes)
	Redis RedisConfig `yaml:"redis"`

	// AI reasoning service configuration
	AI AIConfig `yaml:"ai"`

	// Scheduler configuration (probe + sync driver)
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Analysis queue configuration
	Analysis AnalysisConfig `yaml:"analysis"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"flowdeck"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"flowdeck_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis configuration. Redis is optional: when Host is
// empty, events fan out in-process only.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// AIConfig holds the AI reasoning service endpoint used for failure diagnosis.
// Provider selects the client implementation: "openai" for OpenAI-compatible
// endpoints (including local vLLM/Ollama), "anthropic" for the Anthropic API.
type AIConfig struct {
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:"openai"`
	BaseURL  string `yaml:"base_url" env:"AI_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"AI_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"AI_API_KEY"` // Secret - not in YAML
}

// IsConfigured returns true if an AI endpoint is usable.
func (c *AIConfig) IsConfigured() bool {
	return c.Model != "" && (c.BaseURL != "" || c.APIKey != "")
}

// SchedulerConfig tunes the periodic probe/sync driver.
type SchedulerConfig struct {
	// TickIntervalSeconds is the period between probe+sync passes.
	TickIntervalSeconds int `yaml:"tick_interval_seconds" env:"SCHEDULER_TICK_INTERVAL_SECONDS" env-default:"60"`
	// ProbeConcurrency bounds simultaneous in-flight probes per tick.
	ProbeConcurrency int `yaml:"probe_concurrency" env:"SCHEDULER_PROBE_CONCURRENCY" env-default:"8"`
	// ProbeTimeoutSeconds bounds a single health probe.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds" env:"SCHEDULER_PROBE_TIMEOUT_SECONDS" env-default:"10"`
	// SyncTimeoutSeconds bounds a single instance sync pass.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds" env:"SCHEDULER_SYNC_TIMEOUT_SECONDS" env-default:"30"`
}

// TickInterval returns the tick period as a duration.
func (c *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe timeout as a duration.
func (c *SchedulerConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// SyncTimeout returns the per-sync timeout as a duration.
func (c *SchedulerConfig) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

// AnalysisConfig tunes the AI analysis job queue.
type AnalysisConfig struct {
	// Workers is the number of concurrent analysis workers.
	Workers int `yaml:"workers" env:"ANALYSIS_WORKERS" env-default:"2"`
	// MaxAttempts is the retry budget per failure (transient errors only).
	MaxAttempts int `yaml:"max_attempts" env:"ANALYSIS_MAX_ATTEMPTS" env-default:"5"`
	// AttemptTimeoutSeconds bounds a single AI call.
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds" env:"ANALYSIS_ATTEMPT_TIMEOUT_SECONDS" env-default:"120"`
	// InitialBackoffSeconds is the first retry delay; doubles per attempt.
	InitialBackoffSeconds int `yaml:"initial_backoff_seconds" env:"ANALYSIS_INITIAL_BACKOFF_SECONDS" env-default:"1"`
	// MaxBackoffSeconds caps the retry delay.
	MaxBackoffSeconds int `yaml:"max_backoff_seconds" env:"ANALYSIS_MAX_BACKOFF_SECONDS" env-default:"60"`
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (c *AnalysisConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// InitialBackoff returns the initial retry delay as a duration.
func (c *AnalysisConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffSeconds) * time.Second
}

// MaxBackoff returns the retry delay cap as a duration.
func (c *AnalysisConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.TickIntervalSeconds < 1 {
		return fmt.Errorf("scheduler tick interval must be at least 1 second")
	}
	if c.Scheduler.ProbeConcurrency < 1 {
		return fmt.Errorf("probe concurrency must be at least 1")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis workers must be at least 1")
	}
	if c.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("analysis max attempts must be at least 1")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ValidateEndpoint checks that a user-supplied instance endpoint is a
// well-formed absolute http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint host is empty")
	}
	return nil
}
