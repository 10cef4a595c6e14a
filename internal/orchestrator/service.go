// Package orchestrator implements the run lifecycle against configured
// Slurm clusters: create a run, upload inputs, render and submit a batch
// script, then query, tail, download and cancel.
//
// Every operation that accepts a local path checks it with the path
// guard before touching the filesystem or the remote executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/slurmrun/internal/cluster"
	"github.com/terrpan/slurmrun/internal/ledger"
	"github.com/terrpan/slurmrun/internal/pathguard"
	"github.com/terrpan/slurmrun/internal/remote"
)

var (
	ErrUnknownCluster  = errors.New("unknown cluster")
	ErrClusterRequired = errors.New("cluster is required (no default_cluster configured)")
	ErrRunNotFound     = ledger.ErrRunNotFound
	ErrMissingArgument = errors.New("missing required argument")
	ErrJobNotFound     = errors.New("job not known to the scheduler")
)

const (
	// DefaultLocalRunsDir is the workspace-relative runs root.
	DefaultLocalRunsDir = ".slurmrun/runs"
	// DefaultScriptName is the file name rendered scripts get inside a run.
	DefaultScriptName = "job.slurm"
	// DefaultLogTail and MaxLogTail bound the number of log lines returned.
	DefaultLogTail = 200
	MaxLogTail     = 20000
	// LogMissingMarker is echoed by the remote tail command when the log
	// file does not exist, so "absent" and "empty" can be told apart.
	LogMissingMarker = "__SLURMRUN_LOG_MISSING__"
)

// Config holds everything the Service needs.
type Config struct {
	Catalog cluster.Catalog
	// WorkspaceDir bounds every local path.  Default: current directory.
	WorkspaceDir string
	// LocalRunsDir is resolved against WorkspaceDir and must stay inside it.
	LocalRunsDir string
	Executor     remote.Executor
	// CommandTimeout applies to every ssh/scp call.  Zero means none.
	CommandTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Service runs lifecycle operations.  It is safe for concurrent use; the
// ledger serializes its own writes.
type Service struct {
	catalog   cluster.Catalog
	workspace string
	runsRoot  string
	ledger    *ledger.Ledger
	exec      remote.Executor
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runsCreated       metric.Int64Counter
	jobsSubmitted     metric.Int64Counter
	submissionsFailed metric.Int64Counter
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	workspace := cfg.WorkspaceDir
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving workspace: %w", err)
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}

	runsDir := cfg.LocalRunsDir
	if strings.TrimSpace(runsDir) == "" {
		runsDir = DefaultLocalRunsDir
	}
	runsRoot, err := pathguard.ResolveInside(workspace, runsDir)
	if err != nil {
		return nil, fmt.Errorf("local_runs_dir must stay inside the workspace: %w", err)
	}

	s := &Service{
		catalog:   cfg.Catalog,
		workspace: workspace,
		runsRoot:  runsRoot,
		ledger:    ledger.New(runsRoot),
		timeout:   cfg.CommandTimeout,
		now:       cfg.Now,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("slurmrun/orchestrator"),
		meter:     otel.Meter("slurmrun/orchestrator"),
	}
	s.exec = newTimedExecutor(cfg.Executor, s.meter, cfg.Logger)

	// Initialize metrics (errors are logged but not fatal)
	s.runsCreated, err = s.meter.Int64Counter(
		"slurmrun.runs.created",
		metric.WithDescription("Total number of runs created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runsCreated counter", slog.String("error", err.Error()))
	}

	s.jobsSubmitted, err = s.meter.Int64Counter(
		"slurmrun.jobs.submitted",
		metric.WithDescription("Total number of jobs accepted by sbatch"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsSubmitted counter", slog.String("error", err.Error()))
	}

	s.submissionsFailed, err = s.meter.Int64Counter(
		"slurmrun.submissions.failed",
		metric.WithDescription("Total number of failed submissions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create submissionsFailed counter", slog.String("error", err.Error()))
	}

	return s, nil
}

// WorkspaceDir returns the absolute workspace root.
func (s *Service) WorkspaceDir() string { return s.workspace }

// RunsRoot returns the absolute local runs root.
func (s *Service) RunsRoot() string { return s.runsRoot }

// Catalog returns the cluster catalog the service was built with.
func (s *Service) Catalog() cluster.Catalog { return s.catalog }

// ---------------------------------------------------------------------------
// Clusters & runs
// ---------------------------------------------------------------------------

// ClusterSummary is the public view of a profile.
type ClusterSummary struct {
	ID         string `json:"id"`
	SSHTarget  string `json:"sshTarget"`
	RemoteRoot string `json:"remoteRoot"`
	Scheduler  string `json:"scheduler"`
}

// ClusterList is returned by ListClusters.
type ClusterList struct {
	DefaultCluster string           `json:"defaultCluster,omitempty"`
	Clusters       []ClusterSummary `json:"clusters"`
}

// ListClusters returns every configured profile, sorted by id.
func (s *Service) ListClusters() ClusterList {
	out := ClusterList{DefaultCluster: s.catalog.DefaultCluster, Clusters: []ClusterSummary{}}
	for _, p := range s.catalog.List() {
		out.Clusters = append(out.Clusters, ClusterSummary{
			ID:         p.ID,
			SSHTarget:  p.SSHTarget,
			RemoteRoot: p.RemoteRoot,
			Scheduler:  p.Scheduler,
		})
	}
	return out
}

// ResolveCluster returns the profile for id, or the default cluster when
// id is blank.
func (s *Service) ResolveCluster(id string) (cluster.Profile, error) {
	effective := strings.TrimSpace(id)
	if effective == "" {
		effective = s.catalog.DefaultCluster
	}
	if effective == "" {
		return cluster.Profile{}, ErrClusterRequired
	}
	p, ok := s.catalog.Profile(effective)
	if !ok {
		available := strings.Join(s.catalog.IDs(), ", ")
		if available == "" {
			available = "none"
		}
		return cluster.Profile{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownCluster, effective, available)
	}
	return p, nil
}

// GetRun returns the ledger record for runID.  The id is sanitized first,
// so callers may pass the same free-form value they created the run with.
func (s *Service) GetRun(runID string) (ledger.Run, error) {
	id, err := pathguard.SanitizeIdentifier(runID)
	if err != nil {
		return ledger.Run{}, err
	}
	run, ok, err := s.ledger.Get(id)
	if err != nil {
		return ledger.Run{}, err
	}
	if !ok {
		return ledger.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// ListRuns returns every run in the ledger, oldest first.
func (s *Service) ListRuns() ([]ledger.Run, error) {
	return s.ledger.List()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// lookupRun returns nil when runID is blank and ErrRunNotFound when it
// names no run.
func (s *Service) lookupRun(runID string) (*ledger.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, nil
	}
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// target picks the profile for a call: the explicit cluster, then the
// run's cluster, then the configured default.
func (s *Service) target(clusterID string, run *ledger.Run) (cluster.Profile, error) {
	if strings.TrimSpace(clusterID) == "" && run != nil {
		clusterID = run.ClusterID
	}
	return s.ResolveCluster(clusterID)
}

func (s *Service) transport(p cluster.Profile) remote.Transport {
	return remote.Transport{
		Executor:   s.exec,
		Target:     p.SSHTarget,
		LoginShell: p.LoginShell,
		Timeout:    s.timeout,
	}
}

// timestamp formats t as YYYYMMDD-HHMMSS in UTC.
func timestamp(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func clusterAttr(p cluster.Profile) attribute.KeyValue {
	return attribute.String("slurmrun.cluster", p.ID)
}

// Compile-time check.
var _ remote.Executor = (*timedExecutor)(nil)

// timedExecutor records how long each ssh/scp call takes.
type timedExecutor struct {
	inner    remote.Executor
	duration metric.Float64Histogram
}

func newTimedExecutor(inner remote.Executor, meter metric.Meter, logger *slog.Logger) *timedExecutor {
	h, err := meter.Float64Histogram(
		"slurmrun.remote.duration",
		metric.WithDescription("Duration of remote ssh/scp calls (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 300),
	)
	if err != nil {
		logger.Warn("failed to create remote duration histogram", slog.String("error", err.Error()))
	}
	return &timedExecutor{inner: inner, duration: h}
}

func (t *timedExecutor) Execute(ctx context.Context, name string, args []string, opts remote.Options) (remote.Result, error) {
	start := time.Now()
	res, err := t.inner.Execute(ctx, name, args, opts)
	if t.duration != nil {
		outcome := "ok"
		switch {
		case errors.Is(err, remote.ErrTimeout):
			outcome = "timeout"
		case err != nil || res.ExitCode != 0:
			outcome = "error"
		}
		t.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("command", name),
			attribute.String("outcome", outcome),
		))
	}
	return res, err
}
