// ABOUTME: Store methods for the jobs table — insert, lookup, list, atomic
// ABOUTME: claim (FOR UPDATE SKIP LOCKED), and state-guarded transitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Job states. Transitions are enforced by the manager; the store only
// guarantees that each transition update is atomic and state-guarded.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateDead       = "dead"
)

// States lists all job states in display order.
var States = []string{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// Job is a row of the jobs table. Nullable columns are pointers: they are nil
// until the first attempt has run (output columns) or while no backoff delay
// is pending (NextEligibleAt).
type Job struct {
	ID             string
	Command        string
	State          string
	Attempts       int32
	MaxRetries     int32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	NextEligibleAt *time.Time
	LockedBy       *string
	LastError      *string
	Stdout         *string
	Stderr         *string
}

const jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, next_eligible_at, locked_by, last_error, stdout, stderr`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.Command,
		&j.State,
		&j.Attempts,
		&j.MaxRetries,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.NextEligibleAt,
		&j.LockedBy,
		&j.LastError,
		&j.Stdout,
		&j.Stderr,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertJob creates a pending job with zero attempts, eligible immediately.
// Returns ErrDuplicateID if a job with this id already exists.
func (s *Store) InsertJob(ctx context.Context, id, command string, maxRetries int32) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, command, max_retries, next_eligible_at)
		VALUES ($1, $2, $3, now())
		RETURNING `+jobColumns,
		id, command, maxRetries,
	)
	j, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert job %q: %w", id, ErrDuplicateID)
		}
		return nil, fmt.Errorf("insert job %q: %w", id, err)
	}
	return j, nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get job %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs ordered by created_at ascending, optionally filtered
// by state (empty string = all states), capped at limit rows (0 = no cap).
func (s *Store) ListJobs(ctx context.Context, state string, limit int) ([]Job, error) {
	qb := sq.Select(jobColumns).
		From("jobs").
		OrderBy("created_at ASC, id ASC").
		PlaceholderFormat(sq.Dollar)
	if state != "" {
		qb = qb.Where(sq.Eq{"state": state})
	}
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}

	sqlStr, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNextEligible atomically claims the oldest pending job whose
// next_eligible_at has passed: transitions it to processing, increments
// attempts, and records workerID in locked_by. The subselect uses
// FOR UPDATE SKIP LOCKED so two concurrent callers always claim disjoint
// jobs. Returns (nil, nil) when no eligible job exists.
func (s *Store) ClaimNextEligible(ctx context.Context, workerID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state      = 'processing',
		    attempts   = attempts + 1,
		    locked_by  = $1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'pending'
			  AND (next_eligible_at IS NULL OR next_eligible_at <= now())
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// CompleteJob transitions a processing job to completed and stores the
// captured output of the successful attempt.
func (s *Store) CompleteJob(ctx context.Context, id, stdout, stderr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state      = 'completed',
		    updated_at = now(),
		    last_error = NULL,
		    stdout     = $2,
		    stderr     = $3,
		    locked_by  = NULL
		WHERE id = $1 AND state = 'processing'`,
		id, stdout, stderr,
	)
	if err != nil {
		return fmt.Errorf("complete job %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionLost(ctx, "complete", id)
	}
	return nil
}

// RetryJob transitions a processing job back to pending with a backoff delay:
// the job becomes eligible again delay from now. The failing attempt's error
// text and output overwrite the previous attempt's.
func (s *Store) RetryJob(ctx context.Context, id string, delay time.Duration, lastError, stdout, stderr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state            = 'pending',
		    next_eligible_at = now() + ($2 * interval '1 second'),
		    updated_at       = now(),
		    last_error       = $3,
		    stdout           = $4,
		    stderr           = $5,
		    locked_by        = NULL
		WHERE id = $1 AND state = 'processing'`,
		id, delay.Seconds(), lastError, stdout, stderr,
	)
	if err != nil {
		return fmt.Errorf("retry job %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionLost(ctx, "retry", id)
	}
	return nil
}

// BuryJob transitions a processing job to dead (the DLQ) after its retries
// are exhausted, recording the terminal attempt's error and output.
func (s *Store) BuryJob(ctx context.Context, id, lastError, stdout, stderr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state            = 'dead',
		    next_eligible_at = NULL,
		    updated_at       = now(),
		    last_error       = $2,
		    stdout           = $3,
		    stderr           = $4,
		    locked_by        = NULL
		WHERE id = $1 AND state = 'processing'`,
		id, lastError, stdout, stderr,
	)
	if err != nil {
		return fmt.Errorf("bury job %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionLost(ctx, "bury", id)
	}
	return nil
}

// MarkCrashed transitions a processing job to failed. Used when the worker
// hit an internal error between claiming and reporting, so the job is not
// stranded in processing.
func (s *Store) MarkCrashed(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state      = 'failed',
		    updated_at = now(),
		    last_error = $2,
		    locked_by  = NULL
		WHERE id = $1 AND state = 'processing'`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("mark job %q crashed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionLost(ctx, "mark crashed", id)
	}
	return nil
}

// RecoverStaleJobs moves processing jobs abandoned by a lost worker to
// failed. A job is considered abandoned when its claiming worker has no
// registry row with a heartbeat fresher than staleAfter and the claim itself
// is older than staleAfter. Returns the number of jobs recovered.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET state      = 'failed',
		    updated_at = now(),
		    last_error = 'worker ' || coalesce(locked_by, 'unknown') || ' lost before reporting',
		    locked_by  = NULL
		WHERE state = 'processing'
		  AND updated_at < now() - ($1 * interval '1 second')
		  AND NOT EXISTS (
		      SELECT 1 FROM workers w
		      WHERE w.id = jobs.locked_by
		        AND w.last_heartbeat > now() - ($1 * interval '1 second'))`,
		staleAfter.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RetryDeadJob moves a dead job back to pending with attempts reset to zero,
// eligible immediately. last_error is cleared; the previous attempt's
// stdout/stderr are preserved for audit. Returns the updated job,
// ErrNotFound if the id does not exist, or ErrInvalidState if the job is not
// dead.
func (s *Store) RetryDeadJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state            = 'pending',
		    attempts         = 0,
		    next_eligible_at = now(),
		    updated_at       = now(),
		    last_error       = NULL
		WHERE id = $1 AND state = 'dead'
		RETURNING `+jobColumns,
		id,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("retry dead job %q: %w", id, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("retry dead job %q: %w", id, err)
	}
	return j, nil
}

// CountByState returns the number of jobs in each state. Every state appears
// in the result, zero-valued when no jobs are in it.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(States))
	for _, st := range States {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count jobs by state: scan: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	return counts, nil
}

// transitionLost classifies a conditional update that matched no row: the job
// either never existed (ErrNotFound) or another process moved it out of the
// expected state first (ErrConflict).
func (s *Store) transitionLost(ctx context.Context, op, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s job %q: %w", op, id, ErrConflict)
}
