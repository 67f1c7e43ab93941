// ABOUTME: The worker loop: claim one job, execute its command out-of-process,
// ABOUTME: report the outcome, poll again. Shutdown is checked between claims.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Ridhi-215/queuectl/internal/queue"
	"github.com/Ridhi-215/queuectl/internal/store"
)

// DefaultPollInterval is the sleep between claim attempts when no job is
// eligible. It is a fixed cadence, unrelated to retry backoff.
const DefaultPollInterval = 1 * time.Second

// Worker runs a single sequential claim → execute → report loop. It holds no
// state across jobs; all coordination with other workers goes through the
// shared store.
type Worker struct {
	id           string
	mgr          *queue.Manager
	st           *store.Store
	pollInterval time.Duration
	log          *slog.Logger
}

// New creates a Worker with a random identity. pollInterval <= 0 falls back
// to DefaultPollInterval.
func New(mgr *queue.Manager, st *store.Store, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	id := fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.New().String()[:8])
	return &Worker{
		id:           id,
		mgr:          mgr,
		st:           st,
		pollInterval: pollInterval,
		log:          slog.Default().With("worker_id", id),
	}
}

// ID returns the worker's identity as recorded in locked_by and the worker
// registry.
func (w *Worker) ID() string { return w.id }

// Run executes the worker loop until ctx is cancelled or the shared stop flag
// is set. Both are checked only between claims: an in-flight job always runs
// to completion before Run returns. The worker registers itself in the
// workers table on entry and deregisters on exit.
func (w *Worker) Run(ctx context.Context) error {
	hostname, _ := os.Hostname()
	if err := w.st.RegisterWorker(ctx, w.id, os.Getpid(), hostname); err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	defer func() {
		// Best effort with a fresh context: ctx is usually cancelled by now.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.st.DeregisterWorker(dctx, w.id); err != nil {
			w.log.Warn("deregister failed", "error", err)
		}
	}()

	w.log.Info("worker started", "poll_interval", w.pollInterval)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", "reason", "context cancelled")
			return nil
		default:
		}

		stop, err := w.st.StopRequested(ctx)
		if err != nil {
			w.log.Error("read stop flag", "error", err)
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if stop {
			w.log.Info("worker stopping", "reason", "stop requested")
			return nil
		}

		if err := w.st.Heartbeat(ctx, w.id); err != nil {
			w.log.Warn("heartbeat failed", "error", err)
		}

		job, err := w.mgr.Claim(ctx, w.id)
		if err != nil {
			w.log.Error("claim job", "error", err)
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		w.process(ctx, job)
	}
}

// process executes one claimed job and reports the outcome. Errors reporting
// back are logged, not fatal: the loop continues to the next claim.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	timeout, err := w.st.JobTimeout(ctx)
	if err != nil {
		w.log.Error("read job timeout", "job_id", job.ID, "error", err)
		timeout = 0
	}

	w.log.Info("executing job",
		"job_id", job.ID, "command", job.Command, "attempt", job.Attempts)

	res := runCommand(job.Command, timeout)

	// The shutdown signal may have cancelled ctx while the command ran. The
	// outcome must still be recorded or the job is stranded in processing
	// with its work already done, so the report ignores that cancellation.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if res.ok() {
		if err := w.mgr.ReportSuccess(rctx, job.ID, res.Stdout, res.Stderr); err != nil {
			w.log.Error("report success", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := w.mgr.ReportFailure(rctx, job, res.errorText(), res.Stdout, res.Stderr); err != nil {
		w.log.Error("report failure", "job_id", job.ID, "error", err)
	}
}

// sleep pauses one poll interval; returns false when ctx was cancelled while
// waiting. Uses an explicit timer so the timer is released on cancellation.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
