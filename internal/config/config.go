// Package config loads sessionplane settings from an optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Reminder failure policies.
const (
	FailurePolicyFail  = "fail"
	FailurePolicyRetry = "retry"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// Redis connection string for the lease store and QR cache (worker only)
	RedisURL string

	// HTTP server port for the controller
	HTTPPort int

	// HTTP port of the worker's live surface (events, QR, messages)
	WorkerHTTPPort int

	// Bearer token for operator endpoints; empty disables the guard
	AdminToken string

	// Unique identity of this worker in the lease store
	WorkerID string

	// Session ownership
	MaxSessions       int
	LeaseTTL          time.Duration
	LeasePollInterval time.Duration

	// Webhook delivery pool
	WebhookConcurrency  int
	WebhookTimeout      time.Duration
	WebhookMaxAttempts  int
	WebhookPollInterval time.Duration

	// Reminder scheduler
	SchedulerPollInterval time.Duration
	SchedulerBatchSize    int
	ReminderFailurePolicy string
	ReminderRetryDelay    time.Duration
	ReminderMaxAttempts   int

	// Session driver subprocess
	DriverCommand []string
	SessionDir    string

	OTELEndpoint string
	LogLevel     string
}

// Load reads configuration from the config file at path (or ./sessionplane.yaml
// when path is empty) and lets environment variables override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("port", "PORT", "HTTP_PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("sessionplane")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		DatabaseURL:           v.GetString("database_url"),
		RedisURL:              v.GetString("redis_url"),
		HTTPPort:              v.GetInt("port"),
		WorkerHTTPPort:        v.GetInt("worker_http_port"),
		AdminToken:            v.GetString("admin_token"),
		WorkerID:              v.GetString("worker_id"),
		MaxSessions:           v.GetInt("max_sessions"),
		LeaseTTL:              v.GetDuration("lease_ttl"),
		LeasePollInterval:     v.GetDuration("lease_poll_interval"),
		WebhookConcurrency:    v.GetInt("webhook_concurrency"),
		WebhookTimeout:        v.GetDuration("webhook_timeout"),
		WebhookMaxAttempts:    v.GetInt("webhook_max_attempts"),
		WebhookPollInterval:   v.GetDuration("webhook_poll_interval"),
		SchedulerPollInterval: v.GetDuration("scheduler_poll_interval"),
		SchedulerBatchSize:    v.GetInt("scheduler_batch_size"),
		ReminderFailurePolicy: strings.ToLower(v.GetString("reminder_failure_policy")),
		ReminderRetryDelay:    v.GetDuration("reminder_retry_delay"),
		ReminderMaxAttempts:   v.GetInt("reminder_max_attempts"),
		DriverCommand:         strings.Fields(v.GetString("driver_command")),
		SessionDir:            v.GetString("session_dir"),
		OTELEndpoint:          v.GetString("otel_endpoint"),
		LogLevel:              v.GetString("log_level"),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 6161)
	v.SetDefault("worker_http_port", 6162)
	v.SetDefault("max_sessions", 5)
	v.SetDefault("lease_ttl", 60*time.Second)
	v.SetDefault("lease_poll_interval", 5*time.Second)
	v.SetDefault("webhook_concurrency", 5)
	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("webhook_max_attempts", 5)
	v.SetDefault("webhook_poll_interval", time.Second)
	v.SetDefault("scheduler_poll_interval", 5*time.Second)
	v.SetDefault("scheduler_batch_size", 10)
	v.SetDefault("reminder_failure_policy", FailurePolicyFail)
	v.SetDefault("reminder_retry_delay", time.Minute)
	v.SetDefault("reminder_max_attempts", 3)
	v.SetDefault("driver_command", "node driver.js")
	v.SetDefault("session_dir", "/data/sessions")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")

	// Keys without defaults still need registering for AutomaticEnv lookups.
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("worker_id", "")
	v.SetDefault("admin_token", "")
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	}
	// A lease must be renewed at least once before it can expire.
	if c.LeaseTTL <= c.LeasePollInterval {
		return fmt.Errorf("lease_ttl (%s) must be greater than lease_poll_interval (%s)", c.LeaseTTL, c.LeasePollInterval)
	}
	switch c.ReminderFailurePolicy {
	case FailurePolicyFail, FailurePolicyRetry:
	default:
		return fmt.Errorf("invalid reminder_failure_policy %q: must be %q or %q",
			c.ReminderFailurePolicy, FailurePolicyFail, FailurePolicyRetry)
	}
	if c.WebhookConcurrency < 1 {
		return fmt.Errorf("webhook_concurrency must be at least 1, got %d", c.WebhookConcurrency)
	}
	return nil
}

// ValidateWorker checks the settings only the worker process needs.
func (c *Config) ValidateWorker() error {
	if c.RedisURL == "" {
		return errors.New("redis_url is required (env: REDIS_URL)")
	}
	if len(c.DriverCommand) == 0 {
		return errors.New("driver_command must not be empty")
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
