// Package supervisor starts and stops the pool of worker OS processes. Each
// worker is a child process running `queuectl worker run`; the only channel
// between supervisor and workers is the shared database (the workers.stop
// setting and the workers registry), so `worker stop` works from any shell,
// not just the one that ran `worker start`.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Ridhi-215/queuectl/internal/store"
)

// drainPollInterval is how often Stop re-reads the worker registry while
// waiting for the pool to drain.
const drainPollInterval = 500 * time.Millisecond

// staleWorkerAge is the heartbeat age after which a registry row is treated
// as a leftover from a dead worker and pruned rather than waited on. Jobs
// still claimed by such a worker are moved to failed with the same bound.
const staleWorkerAge = 1 * time.Minute

// staleCheckInterval is how often the recovery loop prunes dead workers and
// reclaims their stranded jobs while the pool is running.
const staleCheckInterval = 1 * time.Minute

// Supervisor spawns worker processes and relays shutdown requests.
type Supervisor struct {
	st  *store.Store
	log *slog.Logger
}

// New creates a Supervisor backed by st.
func New(st *store.Store) *Supervisor {
	return &Supervisor{st: st, log: slog.Default()}
}

// Start clears the stop flag, spawns count child processes running
// `worker run`, and blocks until they all exit. When ctx is cancelled
// (SIGINT/SIGTERM) the stop flag is set so each child finishes its in-flight
// job and exits on its next loop iteration; children are never killed.
func (s *Supervisor) Start(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	if err := s.st.SetStopFlag(ctx, false); err != nil {
		return fmt.Errorf("clear stop flag: %w", err)
	}

	// Reclaim anything a previous pool left behind before the new workers
	// start polling, then keep checking while they run.
	s.recoverStale(ctx)
	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	go s.runStaleRecovery(rctx)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	cmds := make([]*exec.Cmd, 0, count)
	for i := 0; i < count; i++ {
		cmd := exec.Command(exe, "worker", "run")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			// Children already started keep running; tell them to stop.
			s.requestStop()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		s.log.Info("worker process started", "pid", cmd.Process.Pid)
		cmds = append(cmds, cmd)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		go func(cmd *exec.Cmd) {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				s.log.Warn("worker process exited with error",
					"pid", cmd.Process.Pid, "error", err)
				return
			}
			s.log.Info("worker process exited", "pid", cmd.Process.Pid)
		}(cmd)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Info("shutdown requested, signalling workers")
		s.requestStop()
		<-done // children drain their in-flight jobs, then exit
		return nil
	}
}

// Stop sets the shared stop flag and waits up to timeout for the worker
// registry to drain. Registry rows with stale heartbeats (crashed workers)
// are pruned rather than waited on. Returns the workers still running when
// the bound elapsed; an empty slice means the pool drained.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) ([]store.WorkerInfo, error) {
	if err := s.st.SetStopFlag(ctx, true); err != nil {
		return nil, fmt.Errorf("set stop flag: %w", err)
	}
	s.log.Info("stop requested", "timeout", timeout)

	deadline := time.Now().Add(timeout)
	for {
		if n, err := s.st.PruneStaleWorkers(ctx, staleWorkerAge); err != nil {
			return nil, err
		} else if n > 0 {
			s.log.Warn("pruned stale worker registrations", "count", n)
		}
		if n, err := s.st.RecoverStaleJobs(ctx, staleWorkerAge); err != nil {
			return nil, err
		} else if n > 0 {
			s.log.Warn("recovered jobs stranded by lost workers", "count", n)
		}

		remaining, err := s.st.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 || time.Now().After(deadline) {
			return remaining, nil
		}

		timer := time.NewTimer(drainPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return remaining, ctx.Err()
		case <-timer.C:
		}
	}
}

// runStaleRecovery periodically reclaims jobs stranded in processing by
// workers that died without reporting. Runs until ctx is cancelled.
func (s *Supervisor) runStaleRecovery(ctx context.Context) {
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStale(ctx)
		}
	}
}

// recoverStale prunes dead worker registrations and fails their abandoned
// jobs. Errors are logged, not fatal: the next tick retries.
func (s *Supervisor) recoverStale(ctx context.Context) {
	if n, err := s.st.PruneStaleWorkers(ctx, staleWorkerAge); err != nil {
		s.log.Error("prune stale workers", "error", err)
	} else if n > 0 {
		s.log.Warn("pruned stale worker registrations", "count", n)
	}
	if n, err := s.st.RecoverStaleJobs(ctx, staleWorkerAge); err != nil {
		s.log.Error("recover stale jobs", "error", err)
	} else if n > 0 {
		s.log.Warn("recovered jobs stranded by lost workers", "count", n)
	}
}

// requestStop sets the stop flag with a fresh context, for paths where the
// caller's context is already cancelled.
func (s *Supervisor) requestStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.SetStopFlag(ctx, true); err != nil {
		s.log.Error("set stop flag", "error", err)
	}
}
