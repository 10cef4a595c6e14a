package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/slurmrun/internal/buildinfo"
	"github.com/terrpan/slurmrun/internal/ledger"
	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/slurm"
	"github.com/terrpan/slurmrun/internal/workload"
)

// ---------------------------------------------------------------------------
// Shared flag helpers
// ---------------------------------------------------------------------------

// headerFlags names the flags bound by bindHeader.
var headerFlags = []string{
	"job-name", "partition", "account", "qos", "constraint", "time",
	"nodes", "ntasks", "ntasks-per-node", "cpus-per-task", "mem",
	"gpus", "gpus-per-node", "gres", "output", "error",
}

func bindHeader(cmd *cobra.Command, h *slurm.Header) {
	f := cmd.Flags()
	f.StringVar(&h.JobName, "job-name", "", "#SBATCH --job-name")
	f.StringVar(&h.Partition, "partition", "", "#SBATCH --partition")
	f.StringVar(&h.Account, "account", "", "#SBATCH --account")
	f.StringVar(&h.QOS, "qos", "", "#SBATCH --qos")
	f.StringVar(&h.Constraint, "constraint", "", "#SBATCH --constraint")
	f.StringVar(&h.Time, "time", "", "#SBATCH --time (e.g. 01:00:00)")
	f.IntVar(&h.Nodes, "nodes", 0, "#SBATCH --nodes")
	f.IntVar(&h.NTasks, "ntasks", 0, "#SBATCH --ntasks")
	f.IntVar(&h.NTasksPerNode, "ntasks-per-node", 0, "#SBATCH --ntasks-per-node")
	f.IntVar(&h.CPUsPerTask, "cpus-per-task", 0, "#SBATCH --cpus-per-task")
	f.StringVar(&h.Mem, "mem", "", "#SBATCH --mem")
	f.IntVar(&h.GPUs, "gpus", 0, "#SBATCH --gpus")
	f.IntVar(&h.GPUsPerNode, "gpus-per-node", 0, "#SBATCH --gpus-per-node")
	f.StringVar(&h.Gres, "gres", "", "#SBATCH --gres")
	f.StringVar(&h.Output, "output", "", "#SBATCH --output")
	f.StringVar(&h.Error, "error", "", "#SBATCH --error")
}

// headerOverrides returns a copy of h when any header flag was set.
func headerOverrides(cmd *cobra.Command, h *slurm.Header) *slurm.Header {
	for _, name := range headerFlags {
		if cmd.Flags().Changed(name) {
			out := *h
			return &out
		}
	}
	return nil
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", p)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}

// ---------------------------------------------------------------------------
// Informational
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"version":   buildinfo.Version,
				"commit":    buildinfo.Commit,
				"buildTime": buildinfo.BuildTime,
				"goVersion": runtime.Version(),
			})
		},
	}
}

func newClustersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clusters",
		Short: "List configured cluster profiles",
		Args:  cobra.NoArgs,
		RunE: action(func(_ context.Context, a *app, _ []string) (any, error) {
			return a.svc.ListClusters(), nil
		}),
	}
}

func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List recorded runs, or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: action(func(_ context.Context, a *app, args []string) (any, error) {
			if len(args) == 1 {
				return a.svc.GetRun(args[0])
			}
			runs, err := a.svc.ListRuns()
			if err != nil {
				return nil, err
			}
			if runs == nil {
				runs = []ledger.Run{}
			}
			return map[string]any{"runs": runs}, nil
		}),
	}
}

// ---------------------------------------------------------------------------
// Low-level lifecycle
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	var req orchestrator.CreateRunRequest
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a run: local and remote run directories plus a ledger record",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.svc.CreateRun(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	f.StringVar(&req.RunID, "run-id", "", "Run id (sanitized)")
	f.StringVar(&req.Prefix, "prefix", "", "Prefix for a generated run id")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var req orchestrator.UploadRequest
	cmd := &cobra.Command{
		Use:   "upload PATH...",
		Short: "Copy workspace files or directories to the cluster",
		Args:  cobra.MinimumNArgs(1),
		RunE: action(func(ctx context.Context, a *app, args []string) (any, error) {
			req.LocalPaths = args
			return a.svc.Upload(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (default: the run's cluster)")
	f.StringVar(&req.RunID, "run-id", "", "Upload into this run's remote directory")
	f.StringVar(&req.RemoteDir, "remote-dir", "", "Remote destination directory")
	return cmd
}

func newRenderCmd() *cobra.Command {
	var (
		req    workload.RenderJobRequest
		header slurm.Header
		env    []string
	)
	cmd := &cobra.Command{
		Use:   "render [COMMAND...]",
		Short: "Render a Slurm batch script",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.Commands = append(req.Commands, args...)
			req.Env = vars
			req.HeaderOverrides = headerOverrides(cmd, &header)
			return action(func(ctx context.Context, a *app, _ []string) (any, error) {
				return a.runner.RenderJob(ctx, req)
			})(cmd, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	f.StringVar(&req.RunID, "run-id", "", "Write the script into this run")
	f.StringVar(&req.ScriptPath, "script-path", "", "Workspace path for the script")
	f.StringVar(&req.ScriptName, "script-name", "", "Script file name inside the run directory")
	f.StringArrayVar(&req.Commands, "command", nil, "Workload command (repeatable)")
	f.StringArrayVar(&env, "env", nil, "Exported variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&req.SetupCommands, "setup", nil, "Extra setup command (requires --allow-env-overrides)")
	f.StringArrayVar(&req.Modules, "module", nil, "Module to load (requires --allow-env-overrides)")
	f.BoolVar(&req.AllowEnvOverrides, "allow-env-overrides", false, "Allow call-level environment bootstrap when the configuration permits it")
	bindHeader(cmd, &header)
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var req orchestrator.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload a rendered script and submit it with sbatch",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.svc.Submit(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (default: the run's cluster)")
	f.StringVar(&req.RunID, "run-id", "", "Submit this run's latest script")
	f.StringVar(&req.ScriptPath, "script-path", "", "Workspace path of the script")
	f.StringVar(&req.RemoteDir, "remote-dir", "", "Remote directory to submit from")
	f.StringArrayVar(&req.SubmitArgs, "submit-arg", nil, "Extra sbatch argument (repeatable)")
	return cmd
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	var req orchestrator.StatusRequest
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Query a job with squeue, then sacct",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(ctx context.Context, a *app, args []string) (any, error) {
			req.JobID = args[0]
			return a.svc.Status(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	f.BoolVar(&req.SkipAccounting, "skip-accounting", false, "Do not fall back to sacct")
	return cmd
}

func newWaitCmd() *cobra.Command {
	var (
		req     orchestrator.WaitRequest
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait JOB_ID",
		Short: "Poll a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(ctx context.Context, a *app, args []string) (any, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			req.JobID = args[0]
			return a.svc.Wait(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	f.BoolVar(&req.SkipAccounting, "skip-accounting", false, "Do not fall back to sacct")
	f.DurationVar(&req.Interval, "interval", 0, "Initial poll interval (default 5s)")
	f.DurationVar(&req.MaxInterval, "max-interval", 0, "Maximum poll interval (default 1m)")
	f.IntVar(&req.NotFoundPolls, "not-found-polls", 0, "Fail after this many consecutive NOT_FOUND polls (default 3)")
	f.DurationVar(&timeout, "timeout", 0, "Give up after this long")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var req orchestrator.LogsRequest
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail a remote log file",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.svc.Logs(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	f.StringVar(&req.RunID, "run-id", "", "Run whose slurm-<job>.out to tail")
	f.StringVar(&req.JobID, "job-id", "", "Job id")
	f.StringVar(&req.RemotePath, "remote-path", "", "Remote file to tail")
	f.IntVar(&req.Tail, "tail", orchestrator.DefaultLogTail, "Number of lines")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var req orchestrator.DownloadRequest
	cmd := &cobra.Command{
		Use:   "download REMOTE_PATH LOCAL_PATH",
		Short: "Copy a remote file or directory into the workspace",
		Args:  cobra.ExactArgs(2),
		RunE: action(func(ctx context.Context, a *app, args []string) (any, error) {
			req.RemotePath, req.LocalPath = args[0], args[1]
			return a.svc.Download(ctx, req)
		}),
	}
	cmd.Flags().StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var req orchestrator.CancelRequest
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job with scancel",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(ctx context.Context, a *app, args []string) (any, error) {
			req.JobID = args[0]
			return a.svc.Cancel(ctx, req)
		}),
	}
	cmd.Flags().StringVar(&req.Cluster, "cluster", "", "Cluster profile id")
	return cmd
}

// ---------------------------------------------------------------------------
// Composite workload operations
// ---------------------------------------------------------------------------

func newRunCmd() *cobra.Command {
	var (
		req          workload.WorkloadRequest
		header       slurm.Header
		env          []string
		autoFallback bool
	)
	cmd := &cobra.Command{
		Use:   "run [COMMAND...]",
		Short: "Route, upload, render and submit a workload in one step",
		Long: `run picks a cluster (explicit --cluster, GPU indicators in --workload and
the commands, then the configured default), creates a run, uploads
--local-path inputs, renders the script and submits it.  When sbatch fails
with a GPU-required error on a CPU profile the workload is retried once on
the GPU profile.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseEnv(env)
			if err != nil {
				return err
			}
			req.Commands = append(req.Commands, args...)
			req.Env = vars
			req.HeaderOverrides = headerOverrides(cmd, &header)
			if cmd.Flags().Changed("auto-fallback") {
				req.AutoFallbackToGPU = &autoFallback
			}
			return action(func(ctx context.Context, a *app, _ []string) (any, error) {
				return a.runner.RunWorkload(ctx, req)
			})(cmd, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (skips routing)")
	f.StringVar(&req.RunID, "run-id", "", "Run id; an existing run is reused")
	f.StringVar(&req.Prefix, "prefix", "", "Prefix for a generated run id")
	f.StringVar(&req.Workload, "workload", "", "Free-text description used for GPU routing")
	f.StringArrayVar(&req.Commands, "command", nil, "Workload command (repeatable)")
	f.StringArrayVar(&req.LocalPaths, "local-path", nil, "Workspace file or directory to upload (repeatable)")
	f.StringVar(&req.RemoteDir, "remote-dir", "", "Remote directory to submit from")
	f.StringVar(&req.ScriptPath, "script-path", "", "Workspace path for the script")
	f.StringVar(&req.ScriptName, "script-name", "", "Script file name inside the run directory")
	f.StringArrayVar(&env, "env", nil, "Exported variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&req.SubmitArgs, "submit-arg", nil, "Extra sbatch argument (repeatable)")
	f.BoolVar(&autoFallback, "auto-fallback", true, "Retry on the GPU profile after a GPU-required failure")
	f.BoolVar(&req.AllowEnvOverrides, "allow-env-overrides", false, "Rejected: configure environment bootstrap in the cluster profile")
	bindHeader(cmd, &header)
	return cmd
}

func newCheckCmd() *cobra.Command {
	var req workload.CheckRequest
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report the state of a run's last job",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.runner.CheckWorkload(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (default: the run's cluster)")
	f.StringVar(&req.RunID, "run-id", "", "Run id")
	f.StringVar(&req.JobID, "job-id", "", "Job id (default: the run's last job)")
	f.BoolVar(&req.SkipAccounting, "skip-accounting", false, "Do not fall back to sacct")
	return cmd
}

func newFetchLogsCmd() *cobra.Command {
	var req workload.FetchLogsRequest
	cmd := &cobra.Command{
		Use:   "fetch-logs",
		Short: "Tail a run's stdout and stderr, with a hint for missing Python packages",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.runner.FetchWorkloadLogs(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (default: the run's cluster)")
	f.StringVar(&req.RunID, "run-id", "", "Run id")
	f.StringVar(&req.JobID, "job-id", "", "Job id (default: the run's last job)")
	f.StringVar(&req.RemotePath, "remote-path", "", "Remote file to tail instead of the job logs")
	f.IntVar(&req.Tail, "tail", orchestrator.DefaultLogTail, "Number of lines per stream")
	return cmd
}

func newFetchOutputsCmd() *cobra.Command {
	var req workload.OutputsRequest
	cmd := &cobra.Command{
		Use:   "fetch-outputs",
		Short: "Download a run's output file into the workspace",
		Args:  cobra.NoArgs,
		RunE: action(func(ctx context.Context, a *app, _ []string) (any, error) {
			return a.runner.DownloadWorkloadOutputs(ctx, req)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.Cluster, "cluster", "", "Cluster profile id (default: the run's cluster)")
	f.StringVar(&req.RunID, "run-id", "", "Run id")
	f.StringVar(&req.RemotePath, "remote-path", "", "Remote file or directory")
	f.StringVar(&req.RemoteFile, "remote-file", workload.DefaultRemoteFile, "File relative to the run's remote directory")
	f.StringVar(&req.LocalPath, "local-path", "", "Workspace destination (default: downloads/<run>/<name>)")
	return cmd
}
