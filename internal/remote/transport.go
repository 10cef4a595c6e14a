package remote

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

var batchMode = []string{"-o", "BatchMode=yes"}

// Transport builds ssh/scp invocations for one cluster target and runs
// them through an Executor.  All calls are checked: a non-zero exit comes
// back as a *CommandError.
type Transport struct {
	Executor Executor
	// Target is the ssh destination (host alias or user@host).
	Target string
	// LoginShell wraps shell commands in `bash -lc` so profile-provided
	// environment (module, conda) is available.
	LoginShell bool
	// Timeout applies to every call.  Zero means no timeout.
	Timeout time.Duration
}

// Shell runs a command string on the remote host.
func (t Transport) Shell(ctx context.Context, command string) (Result, error) {
	remoteCmd := command
	if t.LoginShell {
		remoteCmd = "bash -lc " + Quote(command)
	}
	args := append(append([]string{}, batchMode...), t.Target, remoteCmd)
	return Run(ctx, t.Executor, "ssh", args, Options{Timeout: t.Timeout})
}

// Upload copies local files or directories into remoteDir.
func (t Transport) Upload(ctx context.Context, localPaths []string, remoteDir string) (Result, error) {
	args := append(append([]string{}, batchMode...), "-r")
	args = append(args, localPaths...)
	args = append(args, t.scpTarget(remoteDir))
	return Run(ctx, t.Executor, "scp", args, Options{Timeout: t.Timeout})
}

// Download copies remotePath to localDestination.
func (t Transport) Download(ctx context.Context, remotePath, localDestination string) (Result, error) {
	local, err := filepath.Abs(localDestination)
	if err != nil {
		return Result{}, err
	}
	args := append(append([]string{}, batchMode...), "-r", t.scpTarget(remotePath), local)
	return Run(ctx, t.Executor, "scp", args, Options{Timeout: t.Timeout})
}

// MkdirAll creates dir (and parents) on the remote host.
func (t Transport) MkdirAll(ctx context.Context, dir string) error {
	_, err := t.Shell(ctx, "mkdir -p "+QuotePath(dir))
	return err
}

func (t Transport) scpTarget(remotePath string) string {
	return t.Target + ":" + strings.ReplaceAll(remotePath, `\`, "/")
}
