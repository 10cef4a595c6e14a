package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/slurmrun/internal/cluster"
	"github.com/terrpan/slurmrun/internal/ledger"
	"github.com/terrpan/slurmrun/internal/pathguard"
	"github.com/terrpan/slurmrun/internal/remote"
	"github.com/terrpan/slurmrun/internal/slurm"
)

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// CreateRunRequest identifies the run to create.  RunID wins over Prefix;
// with neither a "run-<timestamp>" id is generated.
type CreateRunRequest struct {
	Cluster string
	RunID   string
	Prefix  string
}

type CreateRunResult struct {
	Run     ledger.Run `json:"run"`
	Created bool       `json:"created"`
}

// CreateRun creates the local and remote run directories and records the
// run.  Re-creating an existing id overwrites its record.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (CreateRunResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.CreateRun")
	defer span.End()

	p, err := s.ResolveCluster(req.Cluster)
	if err != nil {
		return CreateRunResult{}, fail(span, err)
	}
	runID, err := pathguard.SanitizeIdentifier(s.newRunID(req))
	if err != nil {
		return CreateRunResult{}, fail(span, err)
	}
	localRunDir, err := pathguard.ResolveInside(s.runsRoot, runID)
	if err != nil {
		return CreateRunResult{}, fail(span, err)
	}
	remoteRunDir := pathguard.RemoteJoin(p.RemoteRoot, runID)

	span.SetAttributes(clusterAttr(p), attribute.String("slurmrun.run_id", runID))

	if err := os.MkdirAll(localRunDir, 0o755); err != nil {
		return CreateRunResult{}, fail(span, fmt.Errorf("creating run directory: %w", err))
	}
	if err := s.transport(p).MkdirAll(ctx, remoteRunDir); err != nil {
		return CreateRunResult{}, fail(span, fmt.Errorf("creating remote run directory: %w", err))
	}

	now := s.now().UTC()
	run := ledger.Run{
		RunID:        runID,
		ClusterID:    p.ID,
		LocalRunDir:  localRunDir,
		RemoteRunDir: remoteRunDir,
		CreatedAt:    now,
		UpdatedAt:    now,
		Jobs:         []ledger.Job{},
	}
	if err := s.ledger.Upsert(run); err != nil {
		return CreateRunResult{}, fail(span, err)
	}

	if s.runsCreated != nil {
		s.runsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("cluster", p.ID)))
	}
	s.logger.Info("run created",
		slog.String("run", runID),
		slog.String("cluster", p.ID),
		slog.String("remote_dir", remoteRunDir),
	)
	return CreateRunResult{Run: run, Created: true}, nil
}

func (s *Service) newRunID(req CreateRunRequest) string {
	if id := strings.TrimSpace(req.RunID); id != "" {
		return id
	}
	ts := timestamp(s.now())
	if prefix := strings.TrimSpace(req.Prefix); prefix != "" {
		return prefix + "-" + ts
	}
	return "run-" + ts
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

// UploadRequest lists workspace paths to copy to the cluster.  RemoteDir
// overrides the run's remote directory.
type UploadRequest struct {
	Cluster    string
	RunID      string
	LocalPaths []string
	RemoteDir  string
}

type UploadResult struct {
	Cluster   string   `json:"cluster"`
	RunID     string   `json:"runId,omitempty"`
	RemoteDir string   `json:"remoteDir"`
	Uploaded  []string `json:"uploaded"`
}

// Upload copies files or directories from the workspace to the cluster.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Upload")
	defer span.End()

	candidates := nonBlank(req.LocalPaths)
	if len(candidates) == 0 {
		return UploadResult{}, fail(span, fmt.Errorf("%w: at least one local path is required for upload", ErrMissingArgument))
	}
	localPaths := make([]string, 0, len(candidates))
	for _, c := range candidates {
		resolved, err := pathguard.ResolveInside(s.workspace, c)
		if err != nil {
			return UploadResult{}, fail(span, err)
		}
		localPaths = append(localPaths, resolved)
	}

	run, err := s.lookupRun(req.RunID)
	if err != nil {
		return UploadResult{}, fail(span, err)
	}
	p, err := s.target(req.Cluster, run)
	if err != nil {
		return UploadResult{}, fail(span, err)
	}
	for _, lp := range localPaths {
		if _, err := os.Stat(lp); err != nil {
			return UploadResult{}, fail(span, fmt.Errorf("upload source: %w", err))
		}
	}

	remoteDir := strings.TrimSpace(req.RemoteDir)
	switch {
	case remoteDir != "":
	case run != nil:
		remoteDir = run.RemoteRunDir
	default:
		remoteDir = pathguard.RemoteJoin(p.RemoteRoot, "default")
	}

	span.SetAttributes(clusterAttr(p), attribute.Int("slurmrun.upload.paths", len(localPaths)))

	t := s.transport(p)
	if err := t.MkdirAll(ctx, remoteDir); err != nil {
		return UploadResult{}, fail(span, err)
	}
	if _, err := t.Upload(ctx, localPaths, remoteDir); err != nil {
		return UploadResult{}, fail(span, err)
	}

	s.logger.Info("uploaded inputs",
		slog.String("cluster", p.ID),
		slog.String("remote_dir", remoteDir),
		slog.Int("paths", len(localPaths)),
	)
	res := UploadResult{Cluster: p.ID, RemoteDir: remoteDir, Uploaded: localPaths}
	if run != nil {
		res.RunID = run.RunID
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Render
// ---------------------------------------------------------------------------

// RenderRequest describes a batch script.  ScriptPath is a workspace path;
// without it the script goes into the run directory (or an ad-hoc
// directory when no run is given) under ScriptName.
type RenderRequest struct {
	Cluster         string
	RunID           string
	ScriptPath      string
	ScriptName      string
	Commands        []string
	Env             map[string]string
	SetupCommands   []string
	Modules         []string
	HeaderOverrides *slurm.Header
}

type RenderResult struct {
	Cluster         string `json:"cluster"`
	RunID           string `json:"runId,omitempty"`
	LocalScriptPath string `json:"localScriptPath"`
	Script          string `json:"script"`
}

// Render merges the cluster defaults with the overrides, renders the
// script and writes it.  A run's latest script path is updated.
func (s *Service) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	_, span := s.tracer.Start(ctx, "orchestrator.Render")
	defer span.End()

	explicitPath := ""
	if strings.TrimSpace(req.ScriptPath) != "" {
		resolved, err := pathguard.ResolveInside(s.workspace, strings.TrimSpace(req.ScriptPath))
		if err != nil {
			return RenderResult{}, fail(span, err)
		}
		explicitPath = resolved
	}

	run, err := s.lookupRun(req.RunID)
	if err != nil {
		return RenderResult{}, fail(span, err)
	}
	p, err := s.target(req.Cluster, run)
	if err != nil {
		return RenderResult{}, fail(span, err)
	}
	span.SetAttributes(clusterAttr(p))

	header, err := slurm.MergeHeader(p.Defaults, req.HeaderOverrides)
	if err != nil {
		return RenderResult{}, fail(span, err)
	}
	script, err := slurm.Render(slurm.ScriptInput{
		Header:            header,
		Commands:          req.Commands,
		Env:               req.Env,
		SetupCommands:     append(append([]string{}, p.SetupCommands...), req.SetupCommands...),
		Modules:           req.Modules,
		ModuleInitScripts: p.ModuleInitScripts,
		LoginShell:        p.LoginShell,
	})
	if err != nil {
		return RenderResult{}, fail(span, err)
	}

	scriptPath := explicitPath
	if scriptPath == "" {
		scriptPath, err = s.defaultScriptPath(run, req.ScriptName)
		if err != nil {
			return RenderResult{}, fail(span, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(scriptPath), 0o755); err != nil {
		return RenderResult{}, fail(span, fmt.Errorf("creating script directory: %w", err))
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return RenderResult{}, fail(span, fmt.Errorf("writing script: %w", err))
	}

	res := RenderResult{Cluster: p.ID, LocalScriptPath: scriptPath, Script: script}
	if run != nil {
		if _, err := s.ledger.Update(run.RunID, func(r *ledger.Run) error {
			r.LatestScriptPath = scriptPath
			r.UpdatedAt = s.now().UTC()
			return nil
		}); err != nil {
			return RenderResult{}, fail(span, err)
		}
		res.RunID = run.RunID
	}

	s.logger.Debug("rendered job script",
		slog.String("cluster", p.ID),
		slog.String("path", scriptPath),
	)
	return res, nil
}

// defaultScriptPath places name inside the run directory, or inside a
// fresh ad-hoc directory under the runs root.
func (s *Service) defaultScriptPath(run *ledger.Run, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultScriptName
	}

	var dir string
	if run != nil {
		dir = run.LocalRunDir
	} else {
		adhoc, err := pathguard.SanitizeIdentifier("adhoc-" + timestamp(s.now()))
		if err != nil {
			return "", err
		}
		dir = filepath.Join(s.runsRoot, adhoc)
	}

	path, err := pathguard.ResolveInside(dir, name)
	if err != nil {
		return "", err
	}
	if path == filepath.Clean(dir) {
		return "", fmt.Errorf("%w: script name %q", ErrMissingArgument, name)
	}
	return pathguard.ResolveInside(s.workspace, path)
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

// SubmitRequest selects the script to submit.  Without ScriptPath the
// run's latest rendered script is used.
type SubmitRequest struct {
	Cluster    string
	RunID      string
	ScriptPath string
	RemoteDir  string
	SubmitArgs []string
}

type SubmitResult struct {
	Cluster          string `json:"cluster"`
	RunID            string `json:"runId,omitempty"`
	JobID            string `json:"jobId"`
	RemoteScriptPath string `json:"remoteScriptPath"`
	SubmitOutput     string `json:"submitOutput"`
}

// Submit uploads the script and runs sbatch on the cluster.  The run
// record gets a new job entry and its last job id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.Submit")
	defer span.End()

	res, p, err := s.submit(ctx, req)
	if err != nil {
		if s.submissionsFailed != nil && p.ID != "" {
			s.submissionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("cluster", p.ID)))
		}
		s.logger.Warn("submission failed",
			slog.String("cluster", p.ID),
			slog.String("error", err.Error()),
		)
		return SubmitResult{}, fail(span, err)
	}

	span.SetAttributes(clusterAttr(p), attribute.String("slurmrun.job_id", res.JobID))
	if s.jobsSubmitted != nil {
		s.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("cluster", p.ID)))
	}
	s.logger.Info("job submitted",
		slog.String("cluster", p.ID),
		slog.String("job", res.JobID),
		slog.String("script", res.RemoteScriptPath),
	)
	return res, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (SubmitResult, cluster.Profile, error) {
	explicitPath := ""
	if strings.TrimSpace(req.ScriptPath) != "" {
		resolved, err := pathguard.ResolveInside(s.workspace, strings.TrimSpace(req.ScriptPath))
		if err != nil {
			return SubmitResult{}, cluster.Profile{}, err
		}
		explicitPath = resolved
	}

	run, err := s.lookupRun(req.RunID)
	if err != nil {
		return SubmitResult{}, cluster.Profile{}, err
	}
	p, err := s.target(req.Cluster, run)
	if err != nil {
		return SubmitResult{}, cluster.Profile{}, err
	}

	localScript := explicitPath
	if localScript == "" {
		if run == nil || run.LatestScriptPath == "" {
			return SubmitResult{}, p, fmt.Errorf("%w: script path is required (or render a script for this run first)", ErrMissingArgument)
		}
		if localScript, err = pathguard.ResolveInside(s.workspace, run.LatestScriptPath); err != nil {
			return SubmitResult{}, p, err
		}
	}
	if _, err := os.Stat(localScript); err != nil {
		return SubmitResult{}, p, fmt.Errorf("job script: %w", err)
	}

	remoteDir := strings.TrimSpace(req.RemoteDir)
	switch {
	case remoteDir != "":
	case run != nil:
		remoteDir = run.RemoteRunDir
	default:
		remoteDir = pathguard.RemoteJoin(p.RemoteRoot, "adhoc")
	}
	remoteScript := pathguard.RemoteJoin(remoteDir, filepath.Base(localScript))

	t := s.transport(p)
	if err := t.MkdirAll(ctx, remoteDir); err != nil {
		return SubmitResult{}, p, err
	}
	if _, err := t.Upload(ctx, []string{localScript}, remoteDir); err != nil {
		return SubmitResult{}, p, err
	}

	args := append(append([]string{}, p.SubmitArgs...), req.SubmitArgs...)
	out, err := t.Shell(ctx, submitCommand(p, remoteDir, args, remoteScript))
	if err != nil {
		return SubmitResult{}, p, err
	}
	submitOutput := out.Output()
	jobID, err := slurm.ParseSubmittedJobID(submitOutput)
	if err != nil {
		return SubmitResult{}, p, err
	}

	res := SubmitResult{
		Cluster:          p.ID,
		JobID:            jobID,
		RemoteScriptPath: remoteScript,
		SubmitOutput:     submitOutput,
	}
	if run != nil {
		now := s.now().UTC()
		if _, err := s.ledger.Update(run.RunID, func(r *ledger.Run) error {
			r.Jobs = append(r.Jobs, ledger.Job{
				JobID:            jobID,
				RemoteScriptPath: remoteScript,
				LocalScriptPath:  localScript,
				SubmittedAt:      now,
				SubmitOutput:     submitOutput,
			})
			r.LastJobID = jobID
			r.LatestScriptPath = localScript
			r.UpdatedAt = now
			return nil
		}); err != nil {
			return SubmitResult{}, p, err
		}
		res.RunID = run.RunID
	}
	return res, p, nil
}

// submitCommand is the remote shell text: strict mode, the profile's setup
// lines, a cd into the run directory, then sbatch.
func submitCommand(p cluster.Profile, remoteDir string, args []string, scriptPath string) string {
	lines := []string{slurm.StrictPreamble}
	lines = append(lines, nonBlank(p.SetupCommands)...)
	lines = append(lines,
		"cd "+remote.QuotePath(remoteDir),
		slurm.SubmitCommand(args, scriptPath),
	)
	return strings.Join(lines, "\n")
}
