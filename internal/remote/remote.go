// Package remote defines the command-execution collaborator the
// orchestrator uses to reach clusters, together with the SSH/SCP command
// shapes built on top of it.
//
// The Executor is intentionally narrow: given a program, its arguments and
// a timeout it returns the exit code and captured output.  Everything that
// talks to a cluster goes through it, so tests substitute a mock and never
// spawn ssh.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("remote command failed")
	// ErrTimeout is returned when a command outlives its timeout.  The
	// process has been killed by the time the error is returned.
	ErrTimeout = errors.New("command timed out")
)

// Options tune a single Execute call.
type Options struct {
	// Dir is the local working directory.  Empty means the current one.
	Dir string
	// Timeout bounds the call.  Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor is the contract for running local programs (ssh, scp).
type Executor interface {
	// Execute runs name with args and waits for it to exit.  A non-zero
	// exit is not an error at this level; it is reported in Result.
	Execute(ctx context.Context, name string, args []string, opts Options) (Result, error)
}

// CommandError reports a command that exited non-zero.  Its message is
// the text GPU fallback signatures are matched against.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, detail)
}

// Is makes errors.Is(err, ErrCommandFailed) true for any CommandError.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Run executes the command and converts a non-zero exit into a
// *CommandError.
func Run(ctx context.Context, exec Executor, name string, args []string, opts Options) (Result, error) {
	res, err := exec.Execute(ctx, name, args, opts)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Command:  name,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// Quote single-quotes v for a POSIX shell.  Embedded single quotes are
// closed, emitted inside double quotes and reopened, so any byte sequence
// survives.
func Quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}

// QuotePath quotes a remote path like Quote but leaves a leading "~/"
// outside the quotes so the remote shell still expands the home directory.
func QuotePath(p string) string {
	switch {
	case p == "~":
		return p
	case strings.HasPrefix(p, "~/"):
		return "~/" + Quote(p[2:])
	default:
		return Quote(p)
	}
}

// Output returns stdout, or stderr when stdout is empty, trimmed.
func (r Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return strings.TrimSpace(r.Stdout)
	}
	return strings.TrimSpace(r.Stderr)
}
