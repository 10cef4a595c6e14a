package workload

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/terrpan/slurmrun/internal/ledger"
	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/pathguard"
	"github.com/terrpan/slurmrun/internal/slurm"
)

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

// CheckRequest names a job directly or through its run's last job.
type CheckRequest struct {
	Cluster        string
	RunID          string
	JobID          string
	SkipAccounting bool
}

type CheckResult struct {
	RunID   string       `json:"runId,omitempty"`
	Cluster string       `json:"cluster"`
	JobID   string       `json:"jobId"`
	Status  slurm.Status `json:"status"`
	State   string       `json:"state"`
	Done    bool         `json:"done"`
}

// CheckWorkload reports the state of a run's last job (or an explicit
// job) and whether it has finished.
func (r *Runner) CheckWorkload(ctx context.Context, req CheckRequest) (CheckResult, error) {
	ctx, span := r.tracer.Start(ctx, "workload.CheckWorkload")
	defer span.End()

	run, clusterID, jobID, err := r.locate(req.RunID, req.Cluster, req.JobID)
	if err != nil {
		return CheckResult{}, fail(span, err)
	}
	if jobID == "" {
		return CheckResult{}, fail(span, fmt.Errorf("%w: job id (or a run with a submitted job)", orchestrator.ErrMissingArgument))
	}

	st, err := r.svc.Status(ctx, orchestrator.StatusRequest{
		Cluster:        clusterID,
		JobID:          jobID,
		SkipAccounting: req.SkipAccounting,
	})
	if err != nil {
		return CheckResult{}, fail(span, err)
	}

	res := CheckResult{
		Cluster: st.Cluster,
		JobID:   st.JobID,
		Status:  st.Status,
		State:   st.State,
		Done:    st.Done,
	}
	if run != nil {
		res.RunID = run.RunID
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

type FetchLogsRequest struct {
	Cluster    string
	RunID      string
	JobID      string
	RemotePath string
	Tail       int
}

// PackageHint suggests how to install a Python module a job failed to
// import.
type PackageHint struct {
	Module            string   `json:"module"`
	Strategy          string   `json:"strategy"`
	Note              string   `json:"note"`
	SuggestedCommands []string `json:"suggestedCommands"`
}

type FetchLogsResult struct {
	RunID      string `json:"runId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	Cluster    string `json:"cluster"`
	RemotePath string `json:"remotePath,omitempty"`
	Missing    bool   `json:"missing"`
	Log        string `json:"log"`
	// Stdout and Stderr are set when both streams were tailed.
	Stdout             *orchestrator.LogsResult `json:"stdout,omitempty"`
	Stderr             *orchestrator.LogsResult `json:"stderr,omitempty"`
	MissingPackageHint *PackageHint             `json:"missingPackageHint,omitempty"`
}

// FetchWorkloadLogs tails a job's logs.  For a recorded run and job both
// slurm-<job>.out and slurm-<job>.err are tailed concurrently and merged.
func (r *Runner) FetchWorkloadLogs(ctx context.Context, req FetchLogsRequest) (FetchLogsResult, error) {
	ctx, span := r.tracer.Start(ctx, "workload.FetchWorkloadLogs")
	defer span.End()

	run, clusterID, jobID, err := r.locate(req.RunID, req.Cluster, req.JobID)
	if err != nil {
		return FetchLogsResult{}, fail(span, err)
	}
	remotePath := strings.TrimSpace(req.RemotePath)
	if remotePath == "" && jobID == "" {
		return FetchLogsResult{}, fail(span, fmt.Errorf("%w: job id (or remote path)", orchestrator.ErrMissingArgument))
	}

	var res FetchLogsResult
	if remotePath == "" && run != nil {
		var stdout, stderr orchestrator.LogsResult
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			stdout, err = r.svc.Logs(gctx, orchestrator.LogsRequest{
				Cluster:    clusterID,
				RemotePath: pathguard.RemoteJoin(run.RemoteRunDir, "slurm-"+jobID+".out"),
				Tail:       req.Tail,
			})
			return err
		})
		g.Go(func() error {
			var err error
			stderr, err = r.svc.Logs(gctx, orchestrator.LogsRequest{
				Cluster:    clusterID,
				RemotePath: pathguard.RemoteJoin(run.RemoteRunDir, "slurm-"+jobID+".err"),
				Tail:       req.Tail,
			})
			return err
		})
		if err := g.Wait(); err != nil {
			return FetchLogsResult{}, fail(span, err)
		}

		var parts []string
		for _, l := range []string{stdout.Log, stderr.Log} {
			if l != "" {
				parts = append(parts, l)
			}
		}
		res = FetchLogsResult{
			RunID:   run.RunID,
			JobID:   jobID,
			Cluster: stdout.Cluster,
			Missing: stdout.Missing && stderr.Missing,
			Log:     strings.Join(parts, "\n"),
			Stdout:  &stdout,
			Stderr:  &stderr,
		}
	} else {
		logs, err := r.svc.Logs(ctx, orchestrator.LogsRequest{
			Cluster:    clusterID,
			RunID:      req.RunID,
			JobID:      jobID,
			RemotePath: remotePath,
			Tail:       req.Tail,
		})
		if err != nil {
			return FetchLogsResult{}, fail(span, err)
		}
		res = FetchLogsResult{
			JobID:      jobID,
			Cluster:    logs.Cluster,
			RemotePath: logs.RemotePath,
			Missing:    logs.Missing,
			Log:        logs.Log,
		}
		if run != nil {
			res.RunID = run.RunID
		}
	}

	if module, ok := DetectMissingPythonModule(res.Log); ok {
		python := "python3"
		if p, err := r.svc.ResolveCluster(res.Cluster); err == nil && p.PythonCommand != "" {
			python = p.PythonCommand
		}
		hint := BuildMissingPackageHint(module, res.Cluster, python)
		res.MissingPackageHint = &hint
	}
	return res, nil
}

var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ModuleNotFoundError:\s+No module named ['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?i)ImportError:\s+No module named ['"]?([A-Za-z0-9_.-]+)['"]?`),
}

// DetectMissingPythonModule returns the module name from the first
// ModuleNotFoundError or ImportError in text.
func DetectMissingPythonModule(text string) (string, bool) {
	for _, re := range missingModulePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name, true
			}
		}
	}
	return "", false
}

// BuildMissingPackageHint suggests installing module into the profile's
// environment.  The install targets the top-level package of a dotted
// module path.
func BuildMissingPackageHint(module, clusterID, python string) PackageHint {
	pkg := strings.SplitN(module, ".", 2)[0]
	return PackageHint{
		Module:   module,
		Strategy: "install-into-profile-env",
		Note:     fmt.Sprintf("Install with run-workload on cluster profile %q. The profile setup_commands already load the target environment.", clusterID),
		SuggestedCommands: []string{
			fmt.Sprintf("%s -m pip install %s", python, pkg),
			fmt.Sprintf(`%s -c "import %s; print(%s.__version__)"`, python, pkg, pkg),
		},
	}
}

// ---------------------------------------------------------------------------
// Outputs
// ---------------------------------------------------------------------------

// OutputsRequest locates a remote output.  Without RemotePath, RemoteFile
// (default result.json) is taken relative to the run's remote directory.
// Without LocalPath the file lands in downloads/<runId>/<basename>.
type OutputsRequest struct {
	Cluster    string
	RunID      string
	RemotePath string
	RemoteFile string
	LocalPath  string
}

type OutputsResult struct {
	RunID string `json:"runId,omitempty"`
	orchestrator.DownloadResult
}

// DefaultRemoteFile is downloaded when no remote path or file is named.
const DefaultRemoteFile = "result.json"

// DownloadWorkloadOutputs copies a run's output into the workspace.
func (r *Runner) DownloadWorkloadOutputs(ctx context.Context, req OutputsRequest) (OutputsResult, error) {
	ctx, span := r.tracer.Start(ctx, "workload.DownloadWorkloadOutputs")
	defer span.End()

	run, clusterID, _, err := r.locate(req.RunID, req.Cluster, "")
	if err != nil {
		return OutputsResult{}, fail(span, err)
	}

	remotePath := strings.TrimSpace(req.RemotePath)
	if remotePath == "" {
		if run == nil {
			return OutputsResult{}, fail(span, fmt.Errorf("%w: remote path (or run id)", orchestrator.ErrMissingArgument))
		}
		file := strings.TrimLeft(strings.TrimSpace(req.RemoteFile), "/")
		if file == "" {
			file = DefaultRemoteFile
		}
		remotePath = pathguard.RemoteJoin(run.RemoteRunDir, file)
	}

	localPath := strings.TrimSpace(req.LocalPath)
	if localPath == "" {
		dir := "cluster-run"
		if run != nil {
			dir = run.RunID
		}
		localPath = filepath.Join("downloads", dir, path.Base(remotePath))
	}

	dl, err := r.svc.Download(ctx, orchestrator.DownloadRequest{
		Cluster:    clusterID,
		RemotePath: remotePath,
		LocalPath:  localPath,
	})
	if err != nil {
		return OutputsResult{}, fail(span, err)
	}
	res := OutputsResult{DownloadResult: dl}
	if run != nil {
		res.RunID = run.RunID
	}
	return res, nil
}

// locate loads the run (when named) and fills in the cluster and job id
// from it where the caller left them blank.
func (r *Runner) locate(runID, clusterID, jobID string) (*ledger.Run, string, string, error) {
	clusterID = strings.TrimSpace(clusterID)
	jobID = strings.TrimSpace(jobID)
	if strings.TrimSpace(runID) == "" {
		return nil, clusterID, jobID, nil
	}
	run, err := r.svc.GetRun(runID)
	if err != nil {
		return nil, "", "", err
	}
	if clusterID == "" {
		clusterID = run.ClusterID
	}
	if jobID == "" {
		jobID = run.LastJobID
	}
	return &run, clusterID, jobID, nil
}
