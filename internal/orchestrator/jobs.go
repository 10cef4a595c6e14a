package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/slurmrun/internal/pathguard"
	"github.com/terrpan/slurmrun/internal/remote"
	"github.com/terrpan/slurmrun/internal/slurm"
)

// DefaultNotFoundPolls is how many consecutive NOT_FOUND answers Wait
// accepts before giving up on a job.
const DefaultNotFoundPolls = 3

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// StatusRequest queries one job.  SkipAccounting disables the sacct
// lookup for jobs that have left the queue.
type StatusRequest struct {
	Cluster        string
	JobID          string
	SkipAccounting bool
}

type StatusResult struct {
	Cluster string       `json:"cluster"`
	JobID   string       `json:"jobId"`
	Status  slurm.Status `json:"status"`
	State   string       `json:"state"`
	Done    bool         `json:"done"`
}

// Status asks squeue first, then sacct, and reports NOT_FOUND when
// neither knows the job.
func (s *Service) Status(ctx context.Context, req StatusRequest) (StatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Status")
	defer span.End()

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return StatusResult{}, fail(span, fmt.Errorf("%w: job id", ErrMissingArgument))
	}
	p, err := s.ResolveCluster(req.Cluster)
	if err != nil {
		return StatusResult{}, fail(span, err)
	}
	span.SetAttributes(clusterAttr(p), attribute.String("slurmrun.job_id", jobID))

	t := s.transport(p)
	status, found, err := s.query(ctx, t, slurm.QueueCommand(jobID), slurm.ParseQueueStatus)
	if err != nil {
		return StatusResult{}, fail(span, err)
	}
	if !found && !req.SkipAccounting {
		status, found, err = s.query(ctx, t, slurm.AccountingCommand(jobID), slurm.ParseAccountingStatus)
		if err != nil {
			return StatusResult{}, fail(span, err)
		}
	}
	if !found {
		status = slurm.NotFoundStatus(jobID)
	}

	state := strings.ToUpper(strings.TrimSpace(status.State))
	span.SetAttributes(attribute.String("slurmrun.job_state", state))
	return StatusResult{
		Cluster: p.ID,
		JobID:   jobID,
		Status:  status,
		State:   state,
		Done:    slurm.IsTerminalState(state),
	}, nil
}

// query runs one scheduler command.  squeue's "Invalid job id" reply for a
// job that has left the queue counts as "no record"; every other failure
// is returned.
func (s *Service) query(ctx context.Context, t remote.Transport, command string, parse func(string) (slurm.Status, bool)) (slurm.Status, bool, error) {
	out, err := t.Shell(ctx, command)
	if err != nil {
		var cmdErr *remote.CommandError
		if errors.As(err, &cmdErr) && isInvalidJobID(cmdErr) {
			s.logger.Debug("scheduler query returned no record",
				slog.String("command", command),
				slog.String("error", err.Error()),
			)
			return slurm.Status{}, false, nil
		}
		return slurm.Status{}, false, err
	}
	st, ok := parse(out.Stdout)
	return st, ok, nil
}

func isInvalidJobID(e *remote.CommandError) bool {
	return e.ExitCode == 1 && strings.Contains(strings.ToLower(e.Stderr), "invalid job id")
}

// ---------------------------------------------------------------------------
// Wait
// ---------------------------------------------------------------------------

// WaitRequest polls one job.  Interval and MaxInterval bound the
// exponential backoff between polls.  NotFoundPolls defaults to
// DefaultNotFoundPolls.
type WaitRequest struct {
	Cluster        string
	JobID          string
	SkipAccounting bool
	Interval       time.Duration
	MaxInterval    time.Duration
	NotFoundPolls  int
}

var errNotDone = errors.New("job has not reached a terminal state")

// Wait polls Status until the job reaches a terminal state or ctx ends.
// Remote failures stop the polling and are returned unchanged.  A job
// that neither squeue nor sacct knows for NotFoundPolls consecutive polls
// fails with ErrJobNotFound.  On cancellation the last observed status is
// returned with the error.
func (s *Service) Wait(ctx context.Context, req WaitRequest) (StatusResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Wait")
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	if req.Interval > 0 {
		b.InitialInterval = req.Interval
	}
	if req.MaxInterval > 0 {
		b.MaxInterval = req.MaxInterval
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}

	notFoundLimit := req.NotFoundPolls
	if notFoundLimit <= 0 {
		notFoundLimit = DefaultNotFoundPolls
	}

	var last StatusResult
	notFound := 0
	operation := func() error {
		res, err := s.Status(ctx, StatusRequest{
			Cluster:        req.Cluster,
			JobID:          req.JobID,
			SkipAccounting: req.SkipAccounting,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		last = res
		if res.State == slurm.StateNotFound {
			notFound++
			if notFound >= notFoundLimit {
				return backoff.Permanent(fmt.Errorf("%w: %s after %d polls", ErrJobNotFound, res.JobID, notFound))
			}
		} else {
			notFound = 0
		}
		if !res.Done {
			s.logger.Debug("waiting for job",
				slog.String("job", res.JobID),
				slog.String("state", res.State),
			)
			return errNotDone
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errNotDone) && ctx.Err() != nil {
			err = ctx.Err()
		}
		return last, fail(span, err)
	}
	return last, nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// LogsRequest locates a log either by RemotePath or by run and job id,
// which resolves to <remoteRunDir>/slurm-<jobId>.out.
type LogsRequest struct {
	Cluster    string
	RunID      string
	JobID      string
	RemotePath string
	Tail       int
}

type LogsResult struct {
	Cluster    string `json:"cluster"`
	RemotePath string `json:"remotePath"`
	Missing    bool   `json:"missing"`
	Log        string `json:"log"`
}

// ClampTail applies the default and the upper bound to a requested line
// count.
func ClampTail(n int) int {
	switch {
	case n <= 0:
		return DefaultLogTail
	case n > MaxLogTail:
		return MaxLogTail
	default:
		return n
	}
}

// Logs tails a remote log file.  A missing file is reported through
// Missing rather than as an error.
func (s *Service) Logs(ctx context.Context, req LogsRequest) (LogsResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Logs")
	defer span.End()

	run, err := s.lookupRun(req.RunID)
	if err != nil && !errors.Is(err, ErrRunNotFound) {
		return LogsResult{}, fail(span, err)
	}
	p, err := s.target(req.Cluster, run)
	if err != nil {
		return LogsResult{}, fail(span, err)
	}

	remotePath := strings.TrimSpace(req.RemotePath)
	if remotePath == "" {
		jobID := strings.TrimSpace(req.JobID)
		if strings.TrimSpace(req.RunID) == "" || jobID == "" {
			return LogsResult{}, fail(span, fmt.Errorf("%w: remote path (or run id and job id)", ErrMissingArgument))
		}
		runDir := ""
		if run != nil {
			runDir = run.RemoteRunDir
		} else {
			safe, err := pathguard.SanitizeIdentifier(req.RunID)
			if err != nil {
				return LogsResult{}, fail(span, err)
			}
			runDir = pathguard.RemoteJoin(p.RemoteRoot, safe)
		}
		remotePath = pathguard.RemoteJoin(runDir, "slurm-"+jobID+".out")
	}

	tail := ClampTail(req.Tail)
	span.SetAttributes(clusterAttr(p), attribute.Int("slurmrun.log_tail", tail))

	q := remote.QuotePath(remotePath)
	cmd := fmt.Sprintf("if [ -f %s ]; then tail -n %d %s; else echo '%s'; fi", q, tail, q, LogMissingMarker)
	out, err := s.transport(p).Shell(ctx, cmd)
	if err != nil {
		return LogsResult{}, fail(span, err)
	}

	missing := strings.TrimSpace(out.Stdout) == LogMissingMarker
	res := LogsResult{Cluster: p.ID, RemotePath: remotePath, Missing: missing}
	if !missing {
		res.Log = out.Stdout
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

type DownloadRequest struct {
	Cluster    string
	RemotePath string
	// LocalPath is resolved against the workspace and must stay inside it.
	LocalPath string
}

type DownloadResult struct {
	Cluster    string `json:"cluster"`
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
}

// Download copies a remote file or directory into the workspace.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Download")
	defer span.End()

	if strings.TrimSpace(req.LocalPath) == "" {
		return DownloadResult{}, fail(span, fmt.Errorf("%w: local path", ErrMissingArgument))
	}
	localPath, err := pathguard.ResolveInside(s.workspace, strings.TrimSpace(req.LocalPath))
	if err != nil {
		return DownloadResult{}, fail(span, err)
	}
	remotePath := strings.TrimSpace(req.RemotePath)
	if remotePath == "" {
		return DownloadResult{}, fail(span, fmt.Errorf("%w: remote path", ErrMissingArgument))
	}
	p, err := s.ResolveCluster(req.Cluster)
	if err != nil {
		return DownloadResult{}, fail(span, err)
	}
	span.SetAttributes(clusterAttr(p))

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return DownloadResult{}, fail(span, fmt.Errorf("creating download directory: %w", err))
	}
	if _, err := s.transport(p).Download(ctx, remotePath, localPath); err != nil {
		return DownloadResult{}, fail(span, err)
	}

	s.logger.Info("downloaded output",
		slog.String("cluster", p.ID),
		slog.String("remote", remotePath),
		slog.String("local", localPath),
	)
	return DownloadResult{Cluster: p.ID, RemotePath: remotePath, LocalPath: localPath}, nil
}

// ---------------------------------------------------------------------------
// Cancel
// ---------------------------------------------------------------------------

type CancelRequest struct {
	Cluster string
	JobID   string
}

type CancelResult struct {
	Cluster   string `json:"cluster"`
	JobID     string `json:"jobId"`
	Output    string `json:"output"`
	Cancelled bool   `json:"cancelled"`
}

// Cancel runs scancel for the job.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Cancel")
	defer span.End()

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return CancelResult{}, fail(span, fmt.Errorf("%w: job id", ErrMissingArgument))
	}
	p, err := s.ResolveCluster(req.Cluster)
	if err != nil {
		return CancelResult{}, fail(span, err)
	}
	span.SetAttributes(clusterAttr(p), attribute.String("slurmrun.job_id", jobID))

	out, err := s.transport(p).Shell(ctx, slurm.CancelCommand(jobID))
	if err != nil {
		return CancelResult{}, fail(span, err)
	}

	s.logger.Info("job cancelled", slog.String("cluster", p.ID), slog.String("job", jobID))
	return CancelResult{Cluster: p.ID, JobID: jobID, Output: out.Output(), Cancelled: true}, nil
}
