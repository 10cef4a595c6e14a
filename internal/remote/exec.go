package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// ExecExecutor runs commands as local child processes.
type ExecExecutor struct {
	logger *slog.Logger
}

// Compile-time check.
var _ Executor = (*ExecExecutor)(nil)

// NewExecExecutor returns an Executor backed by os/exec.
func NewExecExecutor(logger *slog.Logger) *ExecExecutor {
	return &ExecExecutor{logger: logger}
}

// Execute implements Executor.  When opts.Timeout elapses the child is
// sent SIGTERM, then killed after a short grace period, and ErrTimeout is
// returned together with whatever output was captured.
func (e *ExecExecutor) Execute(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if e.logger != nil {
		e.logger.Debug("command finished",
			slog.String("command", name),
			slog.Int("args", len(args)),
			slog.Duration("duration", time.Since(start)),
		)
	}

	code, err := exitStatus(name, err, ctx.Err(), opts.Timeout)
	res.ExitCode = code
	return res, err
}

// exitStatus classifies the result of cmd.Run.  The context only explains
// a failed run: a command that completed is reported by its own exit
// status even when the deadline passed as it finished.
func exitStatus(name string, runErr, ctxErr error, timeout time.Duration) (int, error) {
	if runErr == nil {
		return 0, nil
	}
	if ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%s: %w after %s", name, ErrTimeout, timeout)
		}
		return 0, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("starting %s: %w", name, runErr)
}
