// ABOUTME: Integration tests for store/jobs.go — insert, list, atomic claim,
// ABOUTME: and state-guarded transitions. Uses testutil.NewTestDB.
package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ridhi-215/queuectl/internal/store"
	"github.com/Ridhi-215/queuectl/internal/testutil"
)

// mustInsertJob inserts a pending job or fatals.
func mustInsertJob(t *testing.T, s *testutil.TestDB, ctx context.Context, id, command string, maxRetries int32) *store.Job {
	t.Helper()
	job, err := s.InsertJob(ctx, id, command, maxRetries)
	if err != nil {
		t.Fatalf("InsertJob(%q): %v", id, err)
	}
	return job
}

// mustClaim claims the next eligible job or fatals; fatals if none available.
func mustClaim(t *testing.T, s *testutil.TestDB, ctx context.Context, workerID string) *store.Job {
	t.Helper()
	job, err := s.ClaimNextEligible(ctx, workerID)
	if err != nil {
		t.Fatalf("ClaimNextEligible: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextEligible: expected a job, got none")
	}
	return job
}

func TestInsertAndGetJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustInsertJob(t, s, ctx, "j1", "echo hi", 5)
	if job.State != store.StatePending {
		t.Errorf("state = %q, want pending", job.State)
	}
	if job.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", job.Attempts)
	}
	if job.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", job.MaxRetries)
	}
	if job.NextEligibleAt == nil {
		t.Error("next_eligible_at not set on insert")
	}

	if _, err := s.InsertJob(ctx, "j1", "echo again", 3); !errors.Is(err, store.ErrDuplicateID) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateID", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Command != "echo hi" {
		t.Errorf("command = %q, want %q", got.Command, "echo hi")
	}

	if _, err := s.GetJob(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		mustInsertJob(t, s, ctx, id, "true", 3)
	}

	all, err := s.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].ID != want {
			t.Errorf("jobs[%d].ID = %q, want %q (created_at ordering)", i, all[i].ID, want)
		}
	}

	// Move one job out of pending, then filter.
	claimed := mustClaim(t, s, ctx, "w1")
	pending, err := s.ListJobs(ctx, store.StatePending, 0)
	if err != nil {
		t.Fatalf("ListJobs(pending): %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending len = %d, want 2", len(pending))
	}
	for _, j := range pending {
		if j.ID == claimed.ID {
			t.Errorf("claimed job %q still listed as pending", j.ID)
		}
	}

	limited, err := s.ListJobs(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListJobs(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited len = %d, want 1", len(limited))
	}
}

func TestClaimNextEligible(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Empty queue: none available, not an error.
	job, err := s.ClaimNextEligible(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNextEligible(empty): %v", err)
	}
	if job != nil {
		t.Fatalf("claimed %q from empty queue", job.ID)
	}

	mustInsertJob(t, s, ctx, "first", "true", 3)
	mustInsertJob(t, s, ctx, "second", "true", 3)

	got := mustClaim(t, s, ctx, "w1")
	if got.ID != "first" {
		t.Errorf("claim order: got %q, want %q (FIFO by created_at)", got.ID, "first")
	}
	if got.State != store.StateProcessing {
		t.Errorf("state = %q, want processing", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LockedBy == nil || *got.LockedBy != "w1" {
		t.Errorf("locked_by = %v, want w1", got.LockedBy)
	}

	// Push "first" back to pending with a long backoff: it must not be
	// claimable even though the queue is otherwise empty.
	if err := s.RetryJob(ctx, "first", time.Hour, "boom", "", ""); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if got := mustClaim(t, s, ctx, "w1"); got.ID != "second" {
		t.Errorf("claim = %q, want %q (first is backing off)", got.ID, "second")
	}
	job, err = s.ClaimNextEligible(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNextEligible: %v", err)
	}
	if job != nil {
		t.Errorf("claimed %q before its next_eligible_at", job.ID)
	}
}

func TestClaimConcurrent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobCount = 20
	const workerCount = 4

	for i := 0; i < jobCount; i++ {
		mustInsertJob(t, s, ctx, string(rune('a'+i))+"-job", "true", 3)
	}

	var mu sync.Mutex
	seen := make(map[string]string) // job id → worker that claimed it

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNextEligible(ctx, workerID)
				if err != nil {
					t.Errorf("ClaimNextEligible(%s): %v", workerID, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[job.ID]; dup {
					t.Errorf("job %q claimed by both %s and %s", job.ID, prev, workerID)
				}
				seen[job.ID] = workerID
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()

	if len(seen) != jobCount {
		t.Errorf("claimed %d jobs, want %d", len(seen), jobCount)
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustInsertJob(t, s, ctx, "t1", "echo done", 3)
	mustClaim(t, s, ctx, "w1")

	if err := s.CompleteJob(ctx, "t1", "done\n", ""); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, err := s.GetJob(ctx, "t1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != store.StateCompleted {
		t.Errorf("state = %q, want completed", got.State)
	}
	if got.Stdout == nil || *got.Stdout != "done\n" {
		t.Errorf("stdout = %v, want %q", got.Stdout, "done\n")
	}
	if got.LockedBy != nil {
		t.Errorf("locked_by = %q after completion, want cleared", *got.LockedBy)
	}

	// Completing again: the job is no longer processing.
	if err := s.CompleteJob(ctx, "t1", "", ""); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second CompleteJob error = %v, want ErrConflict", err)
	}
	if err := s.CompleteJob(ctx, "ghost", "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("CompleteJob(missing) error = %v, want ErrNotFound", err)
	}

	// Bury and resurrect.
	mustInsertJob(t, s, ctx, "t2", "false", 0)
	mustClaim(t, s, ctx, "w1")
	if err := s.BuryJob(ctx, "t2", "exit code 1", "", "bad\n"); err != nil {
		t.Fatalf("BuryJob: %v", err)
	}
	dead, err := s.GetJob(ctx, "t2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if dead.State != store.StateDead {
		t.Fatalf("state = %q, want dead", dead.State)
	}

	revived, err := s.RetryDeadJob(ctx, "t2")
	if err != nil {
		t.Fatalf("RetryDeadJob: %v", err)
	}
	if revived.State != store.StatePending || revived.Attempts != 0 {
		t.Errorf("revived state=%q attempts=%d, want pending/0", revived.State, revived.Attempts)
	}
	if revived.LastError != nil {
		t.Errorf("last_error = %q after DLQ retry, want cleared", *revived.LastError)
	}
	if revived.Stderr == nil || *revived.Stderr != "bad\n" {
		t.Errorf("stderr = %v, want preserved %q", revived.Stderr, "bad\n")
	}

	// RetryDeadJob only applies to dead jobs.
	if _, err := s.RetryDeadJob(ctx, "t2"); !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("RetryDeadJob(pending) error = %v, want ErrInvalidState", err)
	}
	if _, err := s.RetryDeadJob(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RetryDeadJob(missing) error = %v, want ErrNotFound", err)
	}

	// Crash path: processing → failed.
	mustInsertJob(t, s, ctx, "t3", "true", 3)
	mustClaim(t, s, ctx, "w1")
	if err := s.MarkCrashed(ctx, "t3", "worker lost"); err != nil {
		t.Fatalf("MarkCrashed: %v", err)
	}
	crashed, err := s.GetJob(ctx, "t3")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if crashed.State != store.StateFailed {
		t.Errorf("state = %q, want failed", crashed.State)
	}
}

func TestRecoverStaleJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Claim each job right after insert so locked_by is deterministic.
	mustInsertJob(t, s, ctx, "s1", "true", 3)
	mustClaim(t, s, ctx, "ghost") // never registered
	mustInsertJob(t, s, ctx, "s2", "true", 3)
	mustClaim(t, s, ctx, "alive")
	mustInsertJob(t, s, ctx, "s3", "true", 3)
	mustClaim(t, s, ctx, "stale-w")
	mustInsertJob(t, s, ctx, "s4", "true", 3) // stays pending

	if err := s.RegisterWorker(ctx, "alive", 1, ""); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := s.RegisterWorker(ctx, "stale-w", 2, ""); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if _, err := s.Pool().Exec(ctx,
		`UPDATE workers SET last_heartbeat = now() - interval '10 minutes' WHERE id = 'stale-w'`,
	); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
	if _, err := s.Pool().Exec(ctx,
		`UPDATE jobs SET updated_at = now() - interval '10 minutes' WHERE id IN ('s1', 's3')`,
	); err != nil {
		t.Fatalf("backdate claims: %v", err)
	}

	n, err := s.RecoverStaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}

	for _, id := range []string{"s1", "s3"} {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob(%q): %v", id, err)
		}
		if job.State != store.StateFailed {
			t.Errorf("%s state = %q, want failed", id, job.State)
		}
		if job.LockedBy != nil {
			t.Errorf("%s locked_by = %q, want cleared", id, *job.LockedBy)
		}
		if job.LastError == nil {
			t.Errorf("%s last_error not recorded", id)
		}
	}

	// A fresh claim by a live worker and an unclaimed job are untouched.
	if job, _ := s.GetJob(ctx, "s2"); job.State != store.StateProcessing {
		t.Errorf("s2 state = %q, want processing", job.State)
	}
	if job, _ := s.GetJob(ctx, "s4"); job.State != store.StatePending {
		t.Errorf("s4 state = %q, want pending", job.State)
	}
}

func TestPersistenceAcrossProcesses(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	inserted := mustInsertJob(t, s, ctx, "durable", "echo hi", 4)

	// A second pool on the same database models a process restart: the job
	// must come back with identical fields.
	other := store.New(s.NewPool(t))
	got, err := other.GetJob(ctx, "durable")
	if err != nil {
		t.Fatalf("GetJob via second pool: %v", err)
	}
	if got.State != store.StatePending || got.Attempts != 0 {
		t.Errorf("state=%q attempts=%d, want pending/0", got.State, got.Attempts)
	}
	if got.Command != inserted.Command || got.MaxRetries != inserted.MaxRetries {
		t.Errorf("job fields changed across pools: got %+v, want %+v", got, inserted)
	}
	if !got.CreatedAt.Equal(inserted.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, inserted.CreatedAt)
	}
}

func TestCountByState(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if len(counts) != len(store.States) {
		t.Errorf("counts has %d keys, want %d (every state zero-filled)", len(counts), len(store.States))
	}

	mustInsertJob(t, s, ctx, "c1", "true", 3)
	mustInsertJob(t, s, ctx, "c2", "true", 3)
	mustClaim(t, s, ctx, "w1")

	counts, err = s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[store.StatePending] != 1 || counts[store.StateProcessing] != 1 {
		t.Errorf("counts = %v, want pending=1 processing=1", counts)
	}
	if counts[store.StateDead] != 0 {
		t.Errorf("dead count = %d, want 0", counts[store.StateDead])
	}
}
