// Package config parses per-process configuration from environment variables
// using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Only process-local knobs live here — the queue tunables (default max
// retries, backoff base, job timeout) are stored in the database settings
// table so that every process sharing the queue sees the same values.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all per-process configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// PollInterval is the sleep between claim attempts when the queue is empty.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
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

// IsDevelopment reports whether the process is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
