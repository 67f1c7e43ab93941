package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by store methods. Callers match with errors.Is;
// the CLI maps them to user-facing messages, the worker loop treats
// ErrConflict on report as "someone else moved the job" and moves on.
var (
	// ErrDuplicateID is returned by InsertJob when the job id already exists.
	ErrDuplicateID = errors.New("job id already exists")

	// ErrNotFound is returned when no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation requires the job to be in
	// a specific state and it is not (e.g. DLQ retry on a non-dead job).
	ErrInvalidState = errors.New("job is not in the required state")

	// ErrConflict is returned when a conditional update matched the id but
	// not the expected state: another process won the race.
	ErrConflict = errors.New("job was modified by another process")
)

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
