// ABOUTME: Store methods for the workers table — the live worker registry
// ABOUTME: used by `status`, and by `worker stop` to watch the pool drain.
package store

import (
	"context"
	"fmt"
	"time"
)

// WorkerInfo is a row of the workers table: one live worker process.
type WorkerInfo struct {
	ID            string
	PID           int
	Hostname      string
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// RegisterWorker records a worker process in the registry. Re-registering the
// same id (a restarted worker reusing its identity) overwrites the old row.
func (s *Store) RegisterWorker(ctx context.Context, id string, pid int, hostname string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, pid, hostname)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET pid = excluded.pid, hostname = excluded.hostname,
		    started_at = now(), last_heartbeat = now()`,
		id, pid, hostname,
	)
	if err != nil {
		return fmt.Errorf("register worker %q: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE workers SET last_heartbeat = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("heartbeat worker %q: %w", id, err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry on clean shutdown.
func (s *Store) DeregisterWorker(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workers WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("deregister worker %q: %w", id, err)
	}
	return nil
}

// ListWorkers returns all registered workers ordered by start time.
func (s *Store) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pid, hostname, started_at, last_heartbeat
		FROM workers ORDER BY started_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerInfo
	for rows.Next() {
		var w WorkerInfo
		if err := rows.Scan(&w.ID, &w.PID, &w.Hostname, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("list workers: scan: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// PruneStaleWorkers deletes registry rows whose heartbeat is older than
// maxAge — leftovers from worker processes that died without deregistering.
// Returns the number of rows removed.
func (s *Store) PruneStaleWorkers(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workers
		WHERE last_heartbeat < now() - ($1 * interval '1 second')`,
		maxAge.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune stale workers: %w", err)
	}
	return tag.RowsAffected(), nil
}
