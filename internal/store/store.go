// Package store is the data access layer: a thin wrapper over pgxpool with
// one method per queue operation. The claim path runs as a single UPDATE over
// a FOR UPDATE SKIP LOCKED subselect, so concurrent workers never observe the
// same job; every other state transition is a conditional UPDATE guarded by
// the state the caller last observed.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object shared by the manager, the worker
// loop, and the CLI commands. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw SQL
// (tests use this to manipulate rows directly).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
