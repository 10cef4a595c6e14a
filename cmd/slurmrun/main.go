package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/slurmrun/internal/config"
	"github.com/terrpan/slurmrun/internal/health"
	"github.com/terrpan/slurmrun/internal/orchestrator"
	"github.com/terrpan/slurmrun/internal/otel"
	"github.com/terrpan/slurmrun/internal/workload"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "slurmrun",
	Short: "Run batch workloads on Slurm clusters over SSH",
	Long: `slurmrun renders Slurm batch scripts, copies inputs to a cluster over
scp, submits them with sbatch over ssh and tracks runs in a local ledger.

Clusters are profiles in a YAML configuration file (--config).  Results
are printed as JSON on stdout; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "slurmrun.yaml", "Path to YAML configuration file")

	// Configuration overrides
	f.StringVar(&flagOverrides.Workspace, "workspace", "", "Workspace directory that bounds every local path")
	f.StringVar(&flagOverrides.DefaultCluster, "default-cluster", "", "Cluster profile used when none is given")
	f.DurationVar(&flagOverrides.Execution.CommandTimeout, "command-timeout", 0, "Timeout for each ssh/scp call (e.g. 2m)")
	f.StringVar(&flagOverrides.Metrics.Addr, "metrics-addr", "", "Serve /metrics and /healthz on this address while the command runs")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newClustersCmd(),
		newRunsCmd(),
		newInitCmd(),
		newUploadCmd(),
		newRenderCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newWaitCmd(),
		newLogsCmd(),
		newDownloadCmd(),
		newCancelCmd(),
		newRunCmd(),
		newCheckCmd(),
		newFetchLogsCmd(),
		newFetchOutputsCmd(),
	)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Workspace != "" {
		cfg.Workspace = flagOverrides.Workspace
	}
	if flagOverrides.DefaultCluster != "" {
		cfg.DefaultCluster = flagOverrides.DefaultCluster
	}
	if flagOverrides.Execution.CommandTimeout != 0 {
		cfg.Execution.CommandTimeout = flagOverrides.Execution.CommandTimeout
	}
	if flagOverrides.Metrics.Addr != "" {
		cfg.Metrics.Addr = flagOverrides.Metrics.Addr
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// app is what a command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	svc    *orchestrator.Service
	runner *workload.Runner
}

// action adapts fn into a cobra RunE: it builds the app, runs fn and
// prints the result as indented JSON.
func action(fn func(ctx context.Context, a *app, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()

		a, cleanup, err := setup(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := fn(ctx, a, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func setup(ctx context.Context, logOut io.Writer) (*app, func(), error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(logOut).With(slog.String("invocation", uuid.NewString()))
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("workspace", cfg.Workspace),
		slog.Int("clusters", len(cfg.Clusters)),
		slog.String("defaultCluster", cfg.DefaultCluster),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry and the optional metrics listener
	// ---------------------------------------------------------------
	shutdown, err := otel.Setup(ctx, otel.Config{
		Enabled:    cfg.OTel.Enabled,
		Endpoint:   cfg.OTel.Endpoint,
		Insecure:   cfg.OTel.Insecure,
		StdOut:     cfg.OTel.StdOut,
		Prometheus: cfg.Metrics.Addr != "",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = startMetricsServer(cfg, logger)
	}

	cleanup := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(sctx); err != nil {
				logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
			}
		}
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}

	// ---------------------------------------------------------------
	// 4. Create service and workload runner
	// ---------------------------------------------------------------
	svc, err := cfg.NewService(cfg.NewExecutor(logger), logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("creating service: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		svc:    svc,
		runner: cfg.NewRunner(svc, logger),
	}, cleanup, nil
}

func startMetricsServer(cfg *config.Config, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.Handler(cfg.Catalog().IDs(), cfg.DefaultCluster))

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", slog.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
