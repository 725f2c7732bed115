// Package command runs the external binaries replicad drives (btrfs, mount,
// rsync, ping) as blocking subprocesses with a timeout. Arguments are passed
// straight to exec without a shell, so values taken from task metadata are
// never interpreted as shell syntax.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command when the caller did not set one.
const DefaultTimeout = 10 * time.Minute

// ErrFailed is returned when the process exits non-zero or is killed. It
// wraps the exit error so callers can inspect it with errors.As.
var ErrFailed = errors.New("command: failed")

// Result holds the outcome of one command execution.
type Result struct {
	// Stdout is the trimmed standard output.
	Stdout string
	// Stderr is the trimmed standard error.
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Output returns stdout and stderr combined, for logging and error messages.
func (r *Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs a command. Runner is the production implementation; tests
// substitute fakes.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// Runner executes commands. The zero value uses DefaultTimeout.
type Runner struct {
	Timeout time.Duration
}

// NewRunner creates a Runner with the given timeout. Pass 0 for
// DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Runner{Timeout: timeout}
}

// Run executes name with args and waits for it. A non-zero exit returns
// ErrFailed together with a populated Result so the caller can log the
// output. If ctx is cancelled first the process is killed and the returned
// error wraps ctx.Err().
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrFailed, name, ctx.Err())
	}
	if res.ExitCode < 0 {
		return res, fmt.Errorf("%w: %s: %w", ErrFailed, name, err)
	}
	return res, fmt.Errorf("%w: %s exited %d: %s", ErrFailed, name, res.ExitCode, res.Stderr)
}
