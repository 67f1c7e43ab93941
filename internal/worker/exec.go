package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// result is the outcome of one command execution.
type result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is non-nil only when the command could not be launched or was cut
	// off by the execution timeout — not for a plain nonzero exit.
	Err error
}

// ok reports whether the attempt succeeded: launched and exited zero.
func (r result) ok() bool {
	return r.Err == nil && r.ExitCode == 0
}

// errorText is the failure text recorded as the job's last_error: the
// captured stderr for a nonzero exit, the launch/timeout error otherwise.
func (r result) errorText() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if stderr := strings.TrimSpace(r.Stderr); stderr != "" {
		return fmt.Sprintf("exit code %d: %s", r.ExitCode, stderr)
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

// runCommand executes command through `sh -c`, capturing stdout and stderr
// separately. A zero timeout means the command may run unbounded.
//
// The command deliberately does not inherit the worker loop's context: a
// shutdown request must never cut off an in-flight job, so only the
// per-job timeout can cancel the subprocess.
func runCommand(command string, timeout time.Duration) result {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := result{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = fmt.Errorf("command timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = fmt.Errorf("launch command: %w", err)
		}
	}
	return res
}
