package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/remote"
	"github.com/terrpan/slurmrun/internal/routing"
	"github.com/terrpan/slurmrun/internal/slurm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config with a CPU and a GPU profile that
// passes Validate().
func validConfig() *Config {
	return &Config{
		DefaultCluster: "gautschi-cpu",
		Clusters: map[string]ClusterConfig{
			"gautschi-cpu": {
				SSHTarget:  "gautschi",
				RemoteRoot: "~/runs",
			},
			"gautschi-gpu": {
				SSHTarget:     "gautschi-gpu",
				RemoteRoot:    "/scratch/runs",
				SlurmDefaults: slurm.Header{Partition: "gpu", GPUs: 1},
			},
		},
		Routing: RoutingConfig{GPUProfile: "gautschi-gpu"},
	}
}

const sampleYAML = `
workspace: /work
local_runs_dir: state/runs
default_cluster: gautschi-cpu
clusters:
  gautschi-cpu:
    ssh_target: gautschi
    remote_root: ~/runs
    login_shell: true
    setup_commands:
      - source ~/venv/bin/activate
    module_init_scripts:
      - /etc/profile.d/modules.sh
    slurm_defaults:
      partition: cpu
      time: "00:30:00"
      cpus_per_task: 4
      modules: [gcc]
  gautschi-gpu:
    ssh_target: gautschi-gpu
    remote_root: /scratch/runs
    python_command: python3.11
    submit_args: ["--account=lab"]
    slurm_defaults:
      partition: gpu
      gpus_per_node: 2
routing:
  gpu_profile: gautschi-gpu
  gpu_indicators: ["/\\bjax\\b/i"]
  auto_fallback_to_gpu_on_signatures: false
execution:
  allow_custom_env_override: true
  command_timeout: 90s
logging:
  level: debug
  format: json
metrics:
  addr: ":9102"
`

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Empty(s.T(), cfg.Clusters)
}

func (s *ConfigValidationSuite) TestLoad_ParsesAllSections() {
	path := filepath.Join(s.T().TempDir(), "slurmrun.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), "/work", cfg.Workspace)
	assert.Equal(s.T(), "state/runs", cfg.LocalRunsDir)
	assert.Equal(s.T(), 90*time.Second, cfg.Execution.CommandTimeout)
	assert.True(s.T(), cfg.Execution.AllowCustomEnvOverride)
	assert.Equal(s.T(), ":9102", cfg.Metrics.Addr)

	cpu := cfg.Clusters["gautschi-cpu"]
	assert.True(s.T(), cpu.LoginShell)
	assert.Equal(s.T(), "00:30:00", cpu.SlurmDefaults.Time)
	assert.Equal(s.T(), 4, cpu.SlurmDefaults.CPUsPerTask)
	assert.Equal(s.T(), []string{"gcc"}, cpu.SlurmDefaults.Modules)
	assert.Equal(s.T(), []string{"/etc/profile.d/modules.sh"}, cpu.ModuleInitScripts)
	assert.Equal(s.T(), DefaultPythonCommand, cpu.PythonCommand)

	gpu := cfg.Clusters["gautschi-gpu"]
	assert.Equal(s.T(), "python3.11", gpu.PythonCommand)
	assert.Equal(s.T(), 2, gpu.SlurmDefaults.GPUsPerNode)

	require.NotNil(s.T(), cfg.Routing.AutoFallbackToGPU)
	assert.False(s.T(), *cfg.Routing.AutoFallbackToGPU)
	assert.Equal(s.T(), []string{`/\bjax\b/i`}, cfg.Routing.GPUIndicators)
}

func (s *ConfigValidationSuite) TestLoad_MalformedYAML() {
	path := filepath.Join(s.T().TempDir(), "bad.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("clusters: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults() {
	cfg := validConfig()
	cfg.Clusters["  "] = ClusterConfig{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), ".", cfg.Workspace)
	assert.Equal(s.T(), orchestrator.DefaultLocalRunsDir, cfg.LocalRunsDir)
	assert.Equal(s.T(), "slurm", cfg.Clusters["gautschi-cpu"].Scheduler)
	assert.NotContains(s.T(), cfg.Clusters, "  ")
	assert.Equal(s.T(), routing.DefaultGPUIndicators, cfg.Routing.GPUIndicators)
	assert.Equal(s.T(), routing.DefaultGPURequiredErrorSignatures, cfg.Routing.GPURequiredErrorSignatures)
	require.NotNil(s.T(), cfg.Routing.AutoFallbackToGPU)
	assert.True(s.T(), *cfg.Routing.AutoFallbackToGPU)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.True(s.T(), cfg.OTel.Insecure)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitEmptyIndicators() {
	cfg := validConfig()
	cfg.Routing.GPUIndicators = []string{}
	cfg.ApplyDefaults()
	assert.Empty(s.T(), cfg.Routing.GPUIndicators)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	require.NoError(s.T(), validConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_NoClustersIsAllowed() {
	require.NoError(s.T(), (&Config{}).Validate())
}

func (s *ConfigValidationSuite) TestValidate_Errors() {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{
			name:   "missing ssh target",
			mutate: func(c *Config) { c.Clusters["gautschi-cpu"] = ClusterConfig{RemoteRoot: "~/runs"} },
			want:   "clusters.gautschi-cpu.ssh_target is required",
		},
		{
			name:   "missing remote root",
			mutate: func(c *Config) { c.Clusters["gautschi-cpu"] = ClusterConfig{SSHTarget: "gautschi"} },
			want:   "clusters.gautschi-cpu.remote_root is required",
		},
		{
			name: "unsupported scheduler",
			mutate: func(c *Config) {
				c.Clusters["gautschi-cpu"] = ClusterConfig{SSHTarget: "gautschi", RemoteRoot: "~/runs", Scheduler: "pbs"}
			},
			want: `scheduler must be "slurm"`,
		},
		{
			name: "ambiguous gpu defaults",
			mutate: func(c *Config) {
				gpu := c.Clusters["gautschi-gpu"]
				gpu.SlurmDefaults.GPUsPerNode = 2
				c.Clusters["gautschi-gpu"] = gpu
			},
			want: "clusters.gautschi-gpu.slurm_defaults",
		},
		{
			name:   "unknown default cluster",
			mutate: func(c *Config) { c.DefaultCluster = "anvil" },
			want:   `default_cluster "anvil" does not exist in clusters (gautschi-cpu, gautschi-gpu)`,
		},
		{
			name:   "unknown gpu profile",
			mutate: func(c *Config) { c.Routing.GPUProfile = "anvil-gpu" },
			want:   "routing.gpu_profile",
		},
		{
			name:   "unknown default profile",
			mutate: func(c *Config) { c.Routing.DefaultProfile = "anvil" },
			want:   "routing.default_profile",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Execution.CommandTimeout = -time.Second },
			want:   "execution.command_timeout",
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(s.T(), err, ErrInvalidConfig)
			assert.Contains(s.T(), err.Error(), tt.want)
		})
	}
}

func (s *ConfigValidationSuite) TestValidate_AmbiguousGPUWrapsHeaderError() {
	cfg := validConfig()
	gpu := cfg.Clusters["gautschi-gpu"]
	gpu.SlurmDefaults.GPUsPerNode = 1
	cfg.Clusters["gautschi-gpu"] = gpu

	err := cfg.Validate()
	assert.ErrorIs(s.T(), err, slurm.ErrAmbiguousGPURequest)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestCatalog() {
	cfg := validConfig()
	cfg.Clusters["gautschi-cpu"] = ClusterConfig{
		SSHTarget:     " gautschi ",
		RemoteRoot:    "~/runs",
		SetupCommands: []string{"source ~/venv/bin/activate"},
	}
	require.NoError(s.T(), cfg.Validate())

	cat := cfg.Catalog()
	assert.Equal(s.T(), "gautschi-cpu", cat.DefaultCluster)
	assert.Equal(s.T(), []string{"gautschi-cpu", "gautschi-gpu"}, cat.IDs())

	cpu, ok := cat.Profile("gautschi-cpu")
	require.True(s.T(), ok)
	assert.Equal(s.T(), "gautschi-cpu", cpu.ID)
	assert.Equal(s.T(), "gautschi", cpu.SSHTarget)
	assert.Equal(s.T(), "slurm", cpu.Scheduler)
	assert.Equal(s.T(), []string{"source ~/venv/bin/activate"}, cpu.SetupCommands)

	gpu, ok := cat.Profile("gautschi-gpu")
	require.True(s.T(), ok)
	assert.Equal(s.T(), 1, gpu.Defaults.GPUs)

	assert.Equal(s.T(), "gautschi-gpu", cat.Routing.GPUProfile)
	assert.True(s.T(), cat.Routing.AutoFallbackToGPU)
	assert.NotEmpty(s.T(), cat.Routing.GPURequiredErrorSignatures)
}

func (s *ConfigValidationSuite) TestCatalogRoutesGPUWorkloads() {
	cfg := validConfig()
	require.NoError(s.T(), cfg.Validate())

	sel, err := cfg.NewRouter().Select("", []string{"import torch; torch.cuda.is_available()"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "gautschi-gpu", sel.ClusterID)
	assert.Equal(s.T(), routing.ReasonGPUIndicator, sel.Reason)
}

func (s *ConfigValidationSuite) TestNewServiceAndRunner() {
	cfg := validConfig()
	cfg.Workspace = s.T().TempDir()
	require.NoError(s.T(), cfg.Validate())

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)

	exec := cfg.NewExecutor(logger)
	_, ok := exec.(*remote.ExecExecutor)
	assert.True(s.T(), ok)

	svc, err := cfg.NewService(exec, logger)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), filepath.Join(cfg.Workspace, ".slurmrun", "runs"), svc.RunsRoot())
	assert.NotNil(s.T(), cfg.NewRunner(svc, logger))
}

func (s *ConfigValidationSuite) TestNewServiceRejectsEscapingRunsDir() {
	cfg := validConfig()
	cfg.Workspace = s.T().TempDir()
	cfg.LocalRunsDir = "../elsewhere"
	require.NoError(s.T(), cfg.Validate())

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	_, err := cfg.NewService(cfg.NewExecutor(logger), logger)
	assert.Error(s.T(), err)
}

func (s *ConfigValidationSuite) TestNewLogger_Format() {
	cfg := validConfig()
	cfg.Logging = LoggingConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(s.T(), buf.String(), "hidden")
	assert.Contains(s.T(), buf.String(), `"msg":"shown"`)
}
