// Package queue owns the job lifecycle state machine. The Manager is the only
// component that mutates job state; workers and the CLI go through it.
//
// State machine:
//
//	pending --(claim)--> processing
//	processing --(success)--> completed
//	processing --(failure, attempts <= max_retries)--> pending, eligible after base^attempts seconds
//	processing --(failure, attempts >  max_retries)--> dead
//	dead --(dlq retry)--> pending, attempts reset to 0
//
// Backoff is lazy: the delay is stored as next_eligible_at and enforced by
// the claim predicate, so no timers run between calls and the schedule
// survives restarts.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Ridhi-215/queuectl/internal/store"
)

// Job re-exports the store row type so callers only need this package.
type Job = store.Job

// Manager enforces the state machine and the backoff policy on top of the
// store. It is stateless between calls; all coordination lives in the
// database.
type Manager struct {
	st  *store.Store
	log *slog.Logger
}

// New creates a Manager backed by st.
func New(st *store.Store) *Manager {
	return &Manager{st: st, log: slog.Default()}
}

// Enqueue validates spec and stores it as a pending job with zero attempts.
// When spec carries no max_retries the default_max_retries setting applies.
// Returns ErrInvalidSpec for malformed input and store.ErrDuplicateID when
// the id is already taken.
func (m *Manager) Enqueue(ctx context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	maxRetries := int32(0)
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	} else {
		def, err := m.st.DefaultMaxRetries(ctx)
		if err != nil {
			return nil, fmt.Errorf("enqueue %q: %w", spec.ID, err)
		}
		maxRetries = def
	}

	job, err := m.st.InsertJob(ctx, spec.ID, spec.Command, maxRetries)
	if err != nil {
		return nil, err
	}
	m.log.Info("job enqueued", "job_id", job.ID, "max_retries", job.MaxRetries)
	return job, nil
}

// Claim atomically claims the oldest eligible pending job for workerID,
// moving it to processing with attempts incremented. Returns (nil, nil) when
// nothing is eligible — callers poll on their own cadence rather than block.
func (m *Manager) Claim(ctx context.Context, workerID string) (*Job, error) {
	return m.st.ClaimNextEligible(ctx, workerID)
}

// ReportSuccess transitions a processing job to completed, storing the
// attempt's captured output.
func (m *Manager) ReportSuccess(ctx context.Context, id, stdout, stderr string) error {
	if err := m.st.CompleteJob(ctx, id, stdout, stderr); err != nil {
		return err
	}
	m.log.Info("job completed", "job_id", id)
	return nil
}

// ReportFailure records a failed attempt for job. If the attempt count is
// still within max_retries the job returns to pending with an exponential
// backoff delay (backoff_base^attempts seconds, attempts counted after the
// increment for the failing attempt); otherwise it is promoted to the DLQ.
// execErr is the attempt's error text; it lands in last_error either way.
func (m *Manager) ReportFailure(ctx context.Context, job *Job, execErr, stdout, stderr string) error {
	if job.Attempts <= job.MaxRetries {
		base, err := m.st.BackoffBase(ctx)
		if err != nil {
			return fmt.Errorf("report failure %q: %w", job.ID, err)
		}
		delay := backoffDelay(base, job.Attempts)
		if err := m.st.RetryJob(ctx, job.ID, delay, execErr, stdout, stderr); err != nil {
			return err
		}
		m.log.Warn("job failed, retry scheduled",
			"job_id", job.ID, "attempts", job.Attempts,
			"max_retries", job.MaxRetries, "delay", delay)
		return nil
	}

	if err := m.st.BuryJob(ctx, job.ID, execErr, stdout, stderr); err != nil {
		return err
	}
	m.log.Warn("job moved to DLQ",
		"job_id", job.ID, "attempts", job.Attempts, "error", execErr)
	return nil
}

// ReportCrash marks a processing job failed after an internal worker error
// (not a nonzero exit of the job's command). The job stays visible for manual
// inspection instead of being stranded in processing.
func (m *Manager) ReportCrash(ctx context.Context, id, reason string) error {
	if err := m.st.MarkCrashed(ctx, id, reason); err != nil {
		return err
	}
	m.log.Error("job crashed during processing", "job_id", id, "reason", reason)
	return nil
}

// DLQList returns the dead jobs, oldest first.
func (m *Manager) DLQList(ctx context.Context, limit int) ([]Job, error) {
	return m.st.ListJobs(ctx, store.StateDead, limit)
}

// DLQRetry moves a dead job back to pending with attempts reset to zero,
// eligible for immediate claim. last_error is cleared; the stdout/stderr of
// the final failed attempt are preserved. Returns store.ErrNotFound or
// store.ErrInvalidState when the job is absent or not dead.
func (m *Manager) DLQRetry(ctx context.Context, id string) (*Job, error) {
	job, err := m.st.RetryDeadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	m.log.Info("DLQ job requeued", "job_id", id)
	return job, nil
}

// Stats returns the number of jobs in each state; every state is present.
func (m *Manager) Stats(ctx context.Context) (map[string]int64, error) {
	return m.st.CountByState(ctx)
}

// backoffDelay is the fixed backoff contract: base^attempts seconds, with
// attempts the post-increment count of the failing attempt.
func backoffDelay(base float64, attempts int32) time.Duration {
	return time.Duration(math.Pow(base, float64(attempts)) * float64(time.Second))
}
