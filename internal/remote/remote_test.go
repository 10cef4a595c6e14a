package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Mock executor
// ---------------------------------------------------------------------------

type call struct {
	name string
	args []string
	opts Options
}

type mockExecutor struct {
	mu     sync.Mutex
	calls  []call
	result Result
	err    error
}

func (m *mockExecutor) Execute(_ context.Context, name string, args []string, opts Options) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{name: name, args: append([]string(nil), args...), opts: opts})
	return m.result, m.err
}

// ---------------------------------------------------------------------------
// Quoting
// ---------------------------------------------------------------------------

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", Quote("plain"))
	assert.Equal(t, `'it'"'"'s'`, Quote("it's"))
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "'$(rm -rf /)'", Quote("$(rm -rf /)"))
}

func TestQuotePath(t *testing.T) {
	assert.Equal(t, "~", QuotePath("~"))
	assert.Equal(t, "~/'runs/a b'", QuotePath("~/runs/a b"))
	assert.Equal(t, "'/scratch/x'", QuotePath("/scratch/x"))
	assert.Equal(t, "'~user/x'", QuotePath("~user/x"))
}

// ---------------------------------------------------------------------------
// Checked calls
// ---------------------------------------------------------------------------

func TestRunNonZeroExit(t *testing.T) {
	m := &mockExecutor{result: Result{ExitCode: 1, Stderr: "sbatch: gpu is required\n"}}
	_, err := Run(context.Background(), m, "ssh", nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, "ssh failed: sbatch: gpu is required", err.Error())

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)
}

func TestCommandErrorFallsBackToStdoutAndExitCode(t *testing.T) {
	assert.Equal(t, "scp failed: oops", (&CommandError{Command: "scp", ExitCode: 2, Stdout: "oops"}).Error())
	assert.Equal(t, "scp failed: exit code 2", (&CommandError{Command: "scp", ExitCode: 2}).Error())
}

func TestRunPropagatesExecutorError(t *testing.T) {
	m := &mockExecutor{err: ErrTimeout}
	_, err := Run(context.Background(), m, "ssh", nil, Options{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrCommandFailed)
}

func TestResultOutput(t *testing.T) {
	assert.Equal(t, "out", Result{Stdout: " out\n", Stderr: "err"}.Output())
	assert.Equal(t, "err", Result{Stdout: "  ", Stderr: "err\n"}.Output())
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func TestTransportShell(t *testing.T) {
	m := &mockExecutor{}
	tr := Transport{Executor: m, Target: "gautschi", Timeout: time.Minute}

	_, err := tr.Shell(context.Background(), "squeue -h")
	require.NoError(t, err)
	require.Len(t, m.calls, 1)
	assert.Equal(t, "ssh", m.calls[0].name)
	assert.Equal(t, []string{"-o", "BatchMode=yes", "gautschi", "squeue -h"}, m.calls[0].args)
	assert.Equal(t, time.Minute, m.calls[0].opts.Timeout)
}

func TestTransportShellLoginShell(t *testing.T) {
	m := &mockExecutor{}
	tr := Transport{Executor: m, Target: "gautschi", LoginShell: true}

	_, err := tr.Shell(context.Background(), "echo 'hi'")
	require.NoError(t, err)
	assert.Equal(t, `bash -lc 'echo '"'"'hi'"'"''`, m.calls[0].args[3])
}

func TestTransportUploadAndDownload(t *testing.T) {
	m := &mockExecutor{}
	tr := Transport{Executor: m, Target: "gpu-host"}

	_, err := tr.Upload(context.Background(), []string{"/w/a.txt", "/w/b"}, "~/runs/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"-o", "BatchMode=yes", "-r", "/w/a.txt", "/w/b", "gpu-host:~/runs/x"}, m.calls[0].args)

	dir := t.TempDir()
	_, err = tr.Download(context.Background(), "~/runs/x/result.json", dir)
	require.NoError(t, err)
	assert.Equal(t, "scp", m.calls[1].name)
	assert.Equal(t, []string{"-o", "BatchMode=yes", "-r", "gpu-host:~/runs/x/result.json", dir}, m.calls[1].args)
}

func TestTransportMkdirAll(t *testing.T) {
	m := &mockExecutor{}
	tr := Transport{Executor: m, Target: "h"}
	require.NoError(t, tr.MkdirAll(context.Background(), "~/runs/a"))
	assert.Equal(t, "mkdir -p ~/'runs/a'", m.calls[0].args[3])
}

// ---------------------------------------------------------------------------
// ExecExecutor
// ---------------------------------------------------------------------------

func TestExecExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	e := NewExecExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := e.Execute(context.Background(), "sh", []string{"-c", "echo out; echo err >&2; exit 3"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecExecutorTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	e := NewExecExecutor(nil)

	start := time.Now()
	_, err := e.Execute(context.Background(), "sleep", []string{"5"}, Options{Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExitStatusPrefersCommandResult(t *testing.T) {
	code, err := exitStatus("ssh", nil, context.DeadlineExceeded, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	_, err = exitStatus("ssh", errors.New("signal: terminated"), context.DeadlineExceeded, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = exitStatus("ssh", errors.New("signal: terminated"), context.Canceled, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)

	_, err = exitStatus("ssh", errors.New("executable file not found"), nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting ssh")
}
