// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/scarson/pgtasks/internal/queue"
	"github.com/scarson/pgtasks/internal/store"
	"github.com/scarson/pgtasks/internal/worker"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string `env:"DATABASE_URL,required,notEmpty"`
	DBStatementTimeoutMS int    `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	TasksTable        string        `env:"TASKS_TABLE"        envDefault:"pgtasks"`
	TasksChannel      string        `env:"TASKS_CHANNEL"      envDefault:"pgtasks_channel"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
	// ReconnectMaxAttempts of 0 retries forever.
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY"        envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"0"`
	// SweepInterval of 0 keeps dispatch purely notification driven.
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"  envDefault:"0s"`
	LeaseHeartbeat time.Duration `env:"LEASE_HEARTBEAT" envDefault:"0s"`

	// ── Webhook task kind ────────────────────────────────────────────────────────
	// Empty sends webhook tasks unsigned.
	WebhookSigningSecret string `env:"WEBHOOK_SIGNING_SECRET"`

	// ── Email task kind ──────────────────────────────────────────────────────────
	// The email kind is registered only when SMTPHost is set.
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"     envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"      envDefault:"true"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	PublishRatePerMinute int           `env:"PUBLISH_RATE_PER_MINUTE" envDefault:"600"`
	PublishBurst         int           `env:"PUBLISH_BURST"           envDefault:"60"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"    envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Store returns the connection settings for the task store.
func (c *Config) Store() store.Config {
	return store.Config{
		URL:                c.DatabaseURL,
		Table:              c.TasksTable,
		Channel:            c.TasksChannel,
		StatementTimeoutMS: c.DBStatementTimeoutMS,
	}
}

// SMTP returns the email task kind settings.
func (c *Config) SMTP() worker.SMTPConfig {
	return worker.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		From:     c.SMTPFrom,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		TLS:      c.SMTPTLS,
	}
}

// RetryPolicy returns the reconnection policy.
func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		Delay:       c.ReconnectDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}
