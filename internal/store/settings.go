// ABOUTME: Store methods for the settings table — shared key/value tunables
// ABOUTME: read by every process, plus typed accessors with seeded defaults.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// Setting keys. The three tunables are user-facing via `config get/set`;
// KeyWorkersStop is the internal cross-process shutdown flag.
const (
	KeyDefaultMaxRetries = "default_max_retries"
	KeyBackoffBase       = "backoff_base"
	KeyJobTimeoutSeconds = "job_timeout_seconds"
	KeyWorkersStop       = "workers.stop"
)

// Defaults used when a settings row is missing (a fresh database seeds these
// via migration, so lookups normally hit the table).
const (
	defaultMaxRetries = 3
	defaultBackoff    = 2
)

// SettingKeys lists the keys accepted by `config set`.
var SettingKeys = []string{KeyDefaultMaxRetries, KeyBackoffBase, KeyJobTimeoutSeconds}

// Setting returns the raw value for key, or ErrNotFound.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or updates a settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// DefaultMaxRetries returns the max_retries applied to jobs enqueued without
// an explicit value.
func (s *Store) DefaultMaxRetries(ctx context.Context) (int32, error) {
	v, err := s.Setting(ctx, KeyDefaultMaxRetries)
	if errors.Is(err, ErrNotFound) {
		return defaultMaxRetries, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("setting %q: invalid value %q", KeyDefaultMaxRetries, v)
	}
	return int32(n), nil
}

// BackoffBase returns the base of the exponential retry backoff
// (delay = base^attempts seconds).
func (s *Store) BackoffBase(ctx context.Context) (float64, error) {
	v, err := s.Setting(ctx, KeyBackoffBase)
	if errors.Is(err, ErrNotFound) {
		return defaultBackoff, nil
	}
	if err != nil {
		return 0, err
	}
	base, err := strconv.ParseFloat(v, 64)
	if err != nil || base <= 0 {
		return 0, fmt.Errorf("setting %q: invalid value %q", KeyBackoffBase, v)
	}
	return base, nil
}

// JobTimeout returns the per-job execution deadline, or zero when jobs run
// unbounded (the default).
func (s *Store) JobTimeout(ctx context.Context) (time.Duration, error) {
	v, err := s.Setting(ctx, KeyJobTimeoutSeconds)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("setting %q: invalid value %q", KeyJobTimeoutSeconds, v)
	}
	return time.Duration(secs) * time.Second, nil
}

// StopRequested reports whether a graceful worker shutdown has been
// requested. Workers check this between job claims, never mid-execution.
func (s *Store) StopRequested(ctx context.Context) (bool, error) {
	v, err := s.Setting(ctx, KeyWorkersStop)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetStopFlag sets or clears the shared worker shutdown flag.
func (s *Store) SetStopFlag(ctx context.Context, stop bool) error {
	v := "0"
	if stop {
		v = "1"
	}
	return s.SetSetting(ctx, KeyWorkersStop, v)
}
