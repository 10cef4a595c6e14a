// Package workload layers policy on top of the orchestrator: it routes a
// workload to a cluster, keeps environment bootstrap inside cluster
// profiles and retries once on the GPU profile when a submission fails
// with a GPU-required signature.
package workload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/slurmrun/internal/ledger"
	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/routing"
	"github.com/terrpan/slurmrun/internal/slurm"
)

var (
	ErrEnvironmentOverrideRejected = errors.New("environment override rejected")
	ErrFallbackRequiresLocalPaths  = errors.New("automatic GPU fallback requires local paths when re-routing an existing run")
	ErrRunClusterMismatch          = errors.New("run belongs to a different cluster")
)

// ReasonExistingRun is the selection reason when an existing run pins the
// cluster.
const ReasonExistingRun = "existing_run"

// Config holds the Runner's collaborators.
type Config struct {
	Service *orchestrator.Service
	Router  *routing.Router
	// AllowCustomEnvOverride lets RenderJob callers opt in to call-level
	// environment bootstrap.  RunWorkload ignores it.
	AllowCustomEnvOverride bool
	Logger                 *slog.Logger
}

// Runner executes composite workload operations.
type Runner struct {
	svc         *orchestrator.Service
	router      *routing.Router
	allowCustom bool
	logger      *slog.Logger

	tracer       trace.Tracer
	gpuFallbacks metric.Int64Counter
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		svc:         cfg.Service,
		router:      cfg.Router,
		allowCustom: cfg.AllowCustomEnvOverride,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("slurmrun/workload"),
	}

	var err error
	r.gpuFallbacks, err = otel.Meter("slurmrun/workload").Int64Counter(
		"slurmrun.gpu_fallbacks",
		metric.WithDescription("Total number of submissions retried on the GPU profile"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create gpuFallbacks counter", slog.String("error", err.Error()))
	}
	return r
}

// ---------------------------------------------------------------------------
// RunWorkload
// ---------------------------------------------------------------------------

// WorkloadRequest is a full create, upload, render and submit cycle.
// Workload is free text that, with the commands, drives GPU routing.
type WorkloadRequest struct {
	Cluster         string
	RunID           string
	Prefix          string
	Workload        string
	Commands        []string
	LocalPaths      []string
	RemoteDir       string
	ScriptPath      string
	ScriptName      string
	Env             map[string]string
	SetupCommands   []string
	Modules         []string
	HeaderOverrides *slurm.Header
	SubmitArgs      []string
	// AutoFallbackToGPU overrides routing.auto_fallback_to_gpu_on_signatures.
	AutoFallbackToGPU *bool
	// AllowEnvOverrides is always rejected here; it exists so callers
	// that pass it get a clear error instead of silent acceptance.
	AllowEnvOverrides bool
}

// FallbackReport describes whether the GPU retry happened.
type FallbackReport struct {
	Triggered        bool   `json:"triggered"`
	FromCluster      string `json:"fromCluster,omitempty"`
	ToCluster        string `json:"toCluster,omitempty"`
	MatchedSignature string `json:"matchedSignature,omitempty"`
	OriginalError    string `json:"originalError,omitempty"`
}

type WorkloadResult struct {
	Cluster           string            `json:"cluster"`
	Selection         routing.Selection `json:"clusterSelection"`
	RunID             string            `json:"runId"`
	JobID             string            `json:"jobId"`
	RemoteRunDir      string            `json:"remoteRunDir"`
	LocalScriptPath   string            `json:"localScriptPath"`
	SubmitOutput      string            `json:"submitOutput"`
	AllowEnvOverrides bool              `json:"allowEnvOverrides"`
	Fallback          FallbackReport    `json:"fallback"`
}

type attempt struct {
	run       ledger.Run
	rendered  orchestrator.RenderResult
	submitted orchestrator.SubmitResult
}

// RunWorkload routes and submits a workload.  When submission fails with
// a GPU-required signature on a non-GPU cluster, one fresh run is created
// on the GPU profile and submitted instead.
func (r *Runner) RunWorkload(ctx context.Context, req WorkloadRequest) (WorkloadResult, error) {
	ctx, span := r.tracer.Start(ctx, "workload.RunWorkload")
	defer span.End()

	commands := nonBlank(req.Commands)
	if len(commands) == 0 {
		return WorkloadResult{}, fail(span, slurm.ErrEmptyCommandSet)
	}
	if req.AllowEnvOverrides {
		return WorkloadResult{}, fail(span, fmt.Errorf("%w: run-workload does not support allowing environment overrides; configure environment bootstrap in the cluster profile", ErrEnvironmentOverrideRejected))
	}
	if fields := overrideFields(req.SetupCommands, req.Modules, req.HeaderOverrides); len(fields) > 0 {
		return WorkloadResult{}, fail(span, fmt.Errorf("%w: run-workload rejected call-level environment overrides (%s); configure setup_commands/slurm_defaults.modules in the cluster profile instead", ErrEnvironmentOverrideRejected, strings.Join(fields, ", ")))
	}
	if b, ok := DetectInlineBootstrap(commands); ok {
		return WorkloadResult{}, fail(span, fmt.Errorf("%w: run-workload rejected inline %s (%s); use profile setup_commands/module_init_scripts", ErrEnvironmentOverrideRejected, b.Label, b.Line))
	}

	existing, err := r.existingRun(req.RunID)
	if err != nil {
		return WorkloadResult{}, fail(span, err)
	}
	explicit := strings.TrimSpace(req.Cluster)
	if existing != nil && explicit != "" && existing.ClusterID != explicit {
		return WorkloadResult{}, fail(span, fmt.Errorf("%w: run %s belongs to cluster %q (requested %q)", ErrRunClusterMismatch, existing.RunID, existing.ClusterID, explicit))
	}

	var selection routing.Selection
	if existing != nil && explicit == "" {
		selection = routing.Selection{ClusterID: existing.ClusterID, Reason: ReasonExistingRun}
	} else {
		signals := append([]string{req.Workload}, commands...)
		if selection, err = r.router.Select(explicit, signals); err != nil {
			return WorkloadResult{}, fail(span, err)
		}
	}
	primary := selection.ClusterID
	span.SetAttributes(
		attribute.String("slurmrun.cluster", primary),
		attribute.String("slurmrun.selection_reason", selection.Reason),
	)
	r.logger.Info("workload routed",
		slog.String("cluster", primary),
		slog.String("reason", selection.Reason),
		slog.String("indicator", selection.MatchedIndicator),
	)

	localPaths := nonBlank(req.LocalPaths)
	seedRunID, seedPrefix := req.RunID, req.Prefix
	if existing != nil {
		seedRunID, seedPrefix = "", ""
	}

	first, err := r.cycle(ctx, req, commands, localPaths, primary, existing, seedRunID, seedPrefix)
	if err == nil {
		return result(primary, selection, first, FallbackReport{}), nil
	}

	decision := r.router.ShouldFallbackToGPU(primary, err.Error(), req.AutoFallbackToGPU)
	if !decision.Fallback {
		r.logger.Debug("no GPU fallback", slog.String("reason", decision.Reason))
		return WorkloadResult{}, fail(span, err)
	}
	if existing != nil && len(localPaths) == 0 {
		return WorkloadResult{}, fail(span, fmt.Errorf("%w (%s): %w", ErrFallbackRequiresLocalPaths, existing.RunID, err))
	}

	r.logger.Warn("submission failed with GPU-required signature, retrying on GPU profile",
		slog.String("from", primary),
		slog.String("to", decision.ToClusterID),
		slog.String("signature", decision.MatchedSignature),
		slog.String("error", err.Error()),
	)
	if r.gpuFallbacks != nil {
		r.gpuFallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", primary),
			attribute.String("to", decision.ToClusterID),
		))
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		prefix = "run"
	}
	second, ferr := r.cycle(ctx, req, commands, localPaths, decision.ToClusterID, nil, "", prefix+"-gpu-fallback")
	if ferr != nil {
		return WorkloadResult{}, fail(span, fmt.Errorf("GPU fallback on %s failed: %w (original error: %s)", decision.ToClusterID, ferr, err.Error()))
	}
	return result(decision.ToClusterID, selection, second, FallbackReport{
		Triggered:        true,
		FromCluster:      primary,
		ToCluster:        decision.ToClusterID,
		MatchedSignature: decision.MatchedSignature,
		OriginalError:    err.Error(),
	}), nil
}

// cycle runs create (unless run is given), upload, render and submit on
// one cluster.
func (r *Runner) cycle(ctx context.Context, req WorkloadRequest, commands, localPaths []string, clusterID string, run *ledger.Run, runID, prefix string) (attempt, error) {
	var a attempt
	if run != nil {
		a.run = *run
	} else {
		created, err := r.svc.CreateRun(ctx, orchestrator.CreateRunRequest{Cluster: clusterID, RunID: runID, Prefix: prefix})
		if err != nil {
			return a, err
		}
		a.run = created.Run
	}

	if len(localPaths) > 0 {
		if _, err := r.svc.Upload(ctx, orchestrator.UploadRequest{
			Cluster:    clusterID,
			RunID:      a.run.RunID,
			LocalPaths: localPaths,
		}); err != nil {
			return a, err
		}
	}

	var header *slurm.Header
	if req.HeaderOverrides != nil {
		h := req.HeaderOverrides.WithoutModules()
		header = &h
	}
	rendered, err := r.svc.Render(ctx, orchestrator.RenderRequest{
		Cluster:         clusterID,
		RunID:           a.run.RunID,
		ScriptPath:      req.ScriptPath,
		ScriptName:      req.ScriptName,
		Commands:        commands,
		Env:             req.Env,
		HeaderOverrides: header,
	})
	if err != nil {
		return a, err
	}
	a.rendered = rendered

	submitted, err := r.svc.Submit(ctx, orchestrator.SubmitRequest{
		Cluster:    clusterID,
		RunID:      a.run.RunID,
		ScriptPath: rendered.LocalScriptPath,
		RemoteDir:  req.RemoteDir,
		SubmitArgs: req.SubmitArgs,
	})
	if err != nil {
		return a, err
	}
	a.submitted = submitted
	return a, nil
}

// existingRun returns the recorded run, or nil when runID is blank or
// names no run yet.
func (r *Runner) existingRun(runID string) (*ledger.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, nil
	}
	run, err := r.svc.GetRun(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func result(clusterID string, sel routing.Selection, a attempt, fb FallbackReport) WorkloadResult {
	return WorkloadResult{
		Cluster:         clusterID,
		Selection:       sel,
		RunID:           a.run.RunID,
		JobID:           a.submitted.JobID,
		RemoteRunDir:    a.run.RemoteRunDir,
		LocalScriptPath: a.rendered.LocalScriptPath,
		SubmitOutput:    a.submitted.SubmitOutput,
		Fallback:        fb,
	}
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
