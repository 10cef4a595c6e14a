// Package config handles loading, validating, and applying
// configuration for slurmrun.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/slurmrun/internal/cluster"
	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/remote"
	"github.com/terrpan/slurmrun/internal/routing"
	"github.com/terrpan/slurmrun/internal/slurm"
	"github.com/terrpan/slurmrun/internal/workload"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultPythonCommand is used for hints when a profile sets none.
const DefaultPythonCommand = "python3"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Workspace bounds every local path.  Default: current directory.
	Workspace string `yaml:"workspace"`
	// LocalRunsDir is relative to Workspace.  Default: ".slurmrun/runs".
	LocalRunsDir   string                   `yaml:"local_runs_dir"`
	DefaultCluster string                   `yaml:"default_cluster"`
	Clusters       map[string]ClusterConfig `yaml:"clusters"`
	Routing        RoutingConfig            `yaml:"routing"`
	Execution      ExecutionConfig          `yaml:"execution"`
	Logging        LoggingConfig            `yaml:"logging"`
	OTel           OTelConfig               `yaml:"otel"`
	Metrics        MetricsConfig            `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Clusters
// ---------------------------------------------------------------------------

// ClusterConfig is one SSH-reachable Slurm login node.
type ClusterConfig struct {
	// SSHTarget is anything ssh accepts as a destination, usually a Host
	// alias from ~/.ssh/config.
	SSHTarget string `yaml:"ssh_target"`

	// RemoteRoot is the parent of every remote run directory.  A leading
	// "~/" is expanded by the remote shell.
	RemoteRoot string `yaml:"remote_root"`

	// Scheduler must be "slurm".  Default: "slurm".
	Scheduler string `yaml:"scheduler"`

	// LoginShell wraps remote commands in `bash -lc` so that profile
	// scripts (and the module system) are loaded.
	LoginShell bool `yaml:"login_shell"`

	// PythonCommand is used in missing-package hints.  Default: "python3".
	PythonCommand string `yaml:"python_command"`

	SubmitArgs        []string     `yaml:"submit_args"`
	SetupCommands     []string     `yaml:"setup_commands"`
	ModuleInitScripts []string     `yaml:"module_init_scripts"`
	SlurmDefaults     slurm.Header `yaml:"slurm_defaults"`
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// RoutingConfig controls automatic cluster selection for run-workload.
type RoutingConfig struct {
	// DefaultProfile wins over default_cluster for routed workloads.
	DefaultProfile string `yaml:"default_profile"`
	GPUProfile     string `yaml:"gpu_profile"`

	// GPUIndicators are substrings or /regex/flags literals.  Default:
	// routing.DefaultGPUIndicators.
	GPUIndicators []string `yaml:"gpu_indicators"`

	// AutoFallbackToGPU retries a failed submission once on gpu_profile
	// when the error matches a signature.  Default: true.  A *bool so we
	// can distinguish "not set" from "explicitly false".
	AutoFallbackToGPU *bool `yaml:"auto_fallback_to_gpu_on_signatures"`

	// GPURequiredErrorSignatures default to
	// routing.DefaultGPURequiredErrorSignatures.
	GPURequiredErrorSignatures []string `yaml:"gpu_required_error_signatures"`
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// ExecutionConfig controls how remote commands run.
type ExecutionConfig struct {
	// AllowCustomEnvOverride lets render callers opt in to call-level
	// modules and setup commands.  Default: false.
	AllowCustomEnvOverride bool `yaml:"allow_custom_env_override"`

	// CommandTimeout bounds every ssh/scp call (e.g. "2m").  Default: 0
	// (no timeout).
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the Prometheus and health listener.
type MetricsConfig struct {
	// Addr (e.g. ":9102") serves /metrics and /healthz while a command
	// runs.  Empty disables the listener.
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.LocalRunsDir == "" {
		c.LocalRunsDir = orchestrator.DefaultLocalRunsDir
	}

	trimmed := make(map[string]ClusterConfig, len(c.Clusters))
	for id, cl := range c.Clusters {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if cl.Scheduler == "" {
			cl.Scheduler = cluster.SchedulerSlurm
		}
		if cl.PythonCommand == "" {
			cl.PythonCommand = DefaultPythonCommand
		}
		trimmed[id] = cl
	}
	c.Clusters = trimmed

	if c.Routing.GPUIndicators == nil {
		c.Routing.GPUIndicators = append([]string(nil), routing.DefaultGPUIndicators...)
	}
	if c.Routing.GPURequiredErrorSignatures == nil {
		c.Routing.GPURequiredErrorSignatures = append([]string(nil), routing.DefaultGPURequiredErrorSignatures...)
	}
	if c.Routing.AutoFallbackToGPU == nil {
		t := true
		c.Routing.AutoFallbackToGPU = &t
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled && !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	for _, id := range c.clusterIDs() {
		cl := c.Clusters[id]
		base := "clusters." + id
		if strings.TrimSpace(cl.SSHTarget) == "" {
			return fmt.Errorf("%w: %s.ssh_target is required", ErrInvalidConfig, base)
		}
		if strings.TrimSpace(cl.RemoteRoot) == "" {
			return fmt.Errorf("%w: %s.remote_root is required", ErrInvalidConfig, base)
		}
		if cl.Scheduler != cluster.SchedulerSlurm {
			return fmt.Errorf("%w: %s.scheduler must be %q", ErrInvalidConfig, base, cluster.SchedulerSlurm)
		}
		if err := cl.SlurmDefaults.Validate(); err != nil {
			return fmt.Errorf("%w: %s.slurm_defaults: %w", ErrInvalidConfig, base, err)
		}
	}

	for _, ref := range []struct{ field, id string }{
		{"default_cluster", c.DefaultCluster},
		{"routing.default_profile", c.Routing.DefaultProfile},
		{"routing.gpu_profile", c.Routing.GPUProfile},
	} {
		if ref.id == "" {
			continue
		}
		if _, ok := c.Clusters[ref.id]; !ok {
			return fmt.Errorf("%w: %s %q does not exist in clusters (%s)", ErrInvalidConfig, ref.field, ref.id, c.availableClusters())
		}
	}

	if c.Execution.CommandTimeout < 0 {
		return fmt.Errorf("%w: execution.command_timeout must not be negative", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not supported (supported: text, json)", ErrInvalidConfig, c.Logging.Format)
	}

	return nil
}

func (c *Config) clusterIDs() []string {
	ids := make([]string, 0, len(c.Clusters))
	for id := range c.Clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) availableClusters() string {
	if len(c.Clusters) == 0 {
		return "none"
	}
	return strings.Join(c.clusterIDs(), ", ")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
// Logs go to w so that command output on stdout stays machine-readable.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Catalog converts the cluster and routing sections into the immutable
// value the core consumes.  Call Validate first.
func (c *Config) Catalog() cluster.Catalog {
	profiles := make(map[string]cluster.Profile, len(c.Clusters))
	for id, cl := range c.Clusters {
		profiles[id] = cluster.Profile{
			ID:                id,
			SSHTarget:         strings.TrimSpace(cl.SSHTarget),
			RemoteRoot:        strings.TrimSpace(cl.RemoteRoot),
			Scheduler:         cl.Scheduler,
			LoginShell:        cl.LoginShell,
			PythonCommand:     cl.PythonCommand,
			SubmitArgs:        append([]string(nil), cl.SubmitArgs...),
			SetupCommands:     append([]string(nil), cl.SetupCommands...),
			ModuleInitScripts: append([]string(nil), cl.ModuleInitScripts...),
			Defaults:          cl.SlurmDefaults,
		}
	}

	autoFallback := true
	if c.Routing.AutoFallbackToGPU != nil {
		autoFallback = *c.Routing.AutoFallbackToGPU
	}

	return cluster.Catalog{
		DefaultCluster: c.DefaultCluster,
		Profiles:       profiles,
		Routing: cluster.Routing{
			DefaultProfile:             c.Routing.DefaultProfile,
			GPUProfile:                 c.Routing.GPUProfile,
			GPUIndicators:              append([]string(nil), c.Routing.GPUIndicators...),
			AutoFallbackToGPU:          autoFallback,
			GPURequiredErrorSignatures: append([]string(nil), c.Routing.GPURequiredErrorSignatures...),
		},
	}
}

// NewExecutor creates the os/exec backed executor used for ssh and scp.
func (c *Config) NewExecutor(logger *slog.Logger) remote.Executor {
	return remote.NewExecExecutor(logger.WithGroup("remote"))
}

// NewService creates the orchestration service on top of exec.
func (c *Config) NewService(exec remote.Executor, logger *slog.Logger) (*orchestrator.Service, error) {
	return orchestrator.New(orchestrator.Config{
		Catalog:        c.Catalog(),
		WorkspaceDir:   c.Workspace,
		LocalRunsDir:   c.LocalRunsDir,
		Executor:       exec,
		CommandTimeout: c.Execution.CommandTimeout,
		Logger:         logger.WithGroup("orchestrator"),
	})
}

// NewRouter creates the workload router from the catalog.
func (c *Config) NewRouter() *routing.Router {
	return routing.New(c.Catalog())
}

// NewRunner creates the workload runner on top of svc.
func (c *Config) NewRunner(svc *orchestrator.Service, logger *slog.Logger) *workload.Runner {
	return workload.New(workload.Config{
		Service:                svc,
		Router:                 c.NewRouter(),
		AllowCustomEnvOverride: c.Execution.AllowCustomEnvOverride,
		Logger:                 logger.WithGroup("workload"),
	})
}
