package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalnine/fiberbench/internal/config"
	"github.com/signalnine/fiberbench/internal/docker"
	"github.com/signalnine/fiberbench/internal/metric"
	"github.com/signalnine/fiberbench/internal/report"
	"github.com/signalnine/fiberbench/internal/result"
	"github.com/signalnine/fiberbench/internal/runner"
	"github.com/signalnine/fiberbench/internal/telemetry"
	"github.com/signalnine/fiberbench/internal/worker"
)

const metricsFile = "metrics.prom"

var (
	flagWorker    string
	flagTimeout   time.Duration
	flagFormat    string
	flagPrecision int
	flagMetric    string
	flagLauncher  string
	flagNoStore   bool
	flagVerbose   bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <processes> <fibers> | run <p_from> <p_to> <p_step> <f_from> <f_to> <f_step>",
		Short: "Run the worker concurrently and report its timings",
		Long: "With two arguments, launch <processes> copies of the worker with <fibers> as\n" +
			"the workload size and average their timings. With six arguments, sweep the\n" +
			"process count and the workload size over inclusive ranges.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 && len(args) != 6 {
				return fmt.Errorf("expected 2 or 6 arguments, got %d", len(args))
			}
			return nil
		},
		RunE: runBench,
	}
	cmd.Flags().StringVar(&flagWorker, "worker", "", "worker executable (overrides worker.path)")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-run timeout, 0 for none")
	cmd.Flags().StringVar(&flagFormat, "format", "", "output format (table, grid, markdown, json)")
	cmd.Flags().IntVar(&flagPrecision, "precision", 0, "decimal places in reports")
	cmd.Flags().StringVar(&flagMetric, "metric", "", "metric shown by the grid format")
	cmd.Flags().StringVar(&flagLauncher, "launcher", "", "how workers are started (exec, docker)")
	cmd.Flags().BoolVar(&flagNoStore, "no-store", false, "do not write results to disk")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging and per-run output")
	return cmd
}

// parseRanges turns the positional arguments into the two sweep axes.
func parseRanges(args []string) (processes, workloads config.Range, err error) {
	vals := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return processes, workloads, fmt.Errorf("argument %d: %q is not an integer", i+1, a)
		}
		vals[i] = v
	}
	switch len(vals) {
	case 2:
		processes, workloads = config.Single(vals[0]), config.Single(vals[1])
	case 6:
		processes = config.Range{From: vals[0], To: vals[1], Step: vals[2]}
		workloads = config.Range{From: vals[3], To: vals[4], Step: vals[5]}
	default:
		return processes, workloads, fmt.Errorf("expected 2 or 6 arguments, got %d", len(vals))
	}
	if err := processes.Validate("processes"); err != nil {
		return processes, workloads, err
	}
	if err := workloads.Validate("fibers"); err != nil {
		return processes, workloads, err
	}
	return processes, workloads, nil
}

// applyFlags overlays command-line flags on the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("worker") {
		cfg.Worker.Path = flagWorker
	}
	if f.Changed("timeout") {
		if flagTimeout < 0 {
			return fmt.Errorf("--timeout must not be negative: %s", flagTimeout)
		}
		// Sub-second timeouts round up so they are never dropped.
		cfg.Worker.TimeoutSeconds = int((flagTimeout + time.Second - 1) / time.Second)
	}
	if f.Changed("format") {
		cfg.Report.Format = flagFormat
	}
	if f.Changed("precision") {
		cfg.Report.Precision = flagPrecision
	}
	if f.Changed("metric") {
		cfg.Report.Metric = flagMetric
	}
	if f.Changed("launcher") {
		cfg.Worker.Launcher = flagLauncher
	}
	return cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// newLauncher builds the configured launcher. The returned closer releases
// whatever the launcher holds and is never nil.
func newLauncher(cfg *config.Config) (worker.Launcher, func() error, error) {
	noop := func() error { return nil }
	env := cfg.Worker.Env
	if cfg.Worker.EnvFile != "" {
		fileEnv, err := worker.ParseEnvFile(cfg.Worker.EnvFile)
		if err != nil {
			return nil, noop, err
		}
		env = worker.MergeEnv(fileEnv, cfg.Worker.Env)
	}

	switch cfg.Worker.Launcher {
	case config.LauncherDocker:
		var command []string
		if cfg.Worker.Path != "" {
			command = append(command, cfg.Worker.Path)
		}
		command = append(command, cfg.Worker.Args...)
		l, err := docker.NewLauncher(docker.Launcher{
			Image:       cfg.Worker.Image,
			Command:     command,
			Env:         env,
			Timeout:     cfg.WorkerTimeout(),
			CPULimit:    cfg.Worker.CPULimit,
			MemoryLimit: cfg.Worker.MemoryLimitMB << 20,
		})
		if err != nil {
			return nil, noop, err
		}
		return l, l.Close, nil
	default:
		return &worker.ExecLauncher{
			Path:    cfg.Worker.Path,
			Args:    cfg.Worker.Args,
			Env:     env,
			Dir:     cfg.Worker.Dir,
			Timeout: cfg.WorkerTimeout(),
		}, noop, nil
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	processes, workloads, err := parseRanges(args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	log, err := newLogger(flagVerbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	extractor, err := metric.Compile(cfg.Labels)
	if err != nil {
		return err
	}
	launcher, closeLauncher, err := newLauncher(cfg)
	if err != nil {
		return err
	}
	defer closeLauncher()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracing(ctx, cfg.Telemetry.TraceExporter, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("flushing traces failed", zap.Error(err))
		}
	}()
	metrics := telemetry.NewMetrics()

	var runDir string
	if !flagNoStore {
		runDir, err = result.CreateRunDir(cfg.Results.Dir)
		if err != nil {
			return err
		}
		fmt.Printf("Run directory: %s\n", runDir)
	}

	rec := result.NewRunRecord(launcher.Name(), cfg.Labels, processes, workloads)
	start := time.Now()
	matrix, err := runner.Sweep(ctx, &runner.SweepOpts{
		Processes: processes,
		Workloads: workloads,
		Launcher:  launcher,
		Extractor: extractor,
		Logger:    log,
		Metrics:   metrics,
		OnBatch: func(c result.Configuration) {
			fmt.Printf("Starting bench %s\n", c)
		},
		OnCell: func(c *result.Cell) {
			fmt.Printf("Bench %s terminated in %s\n", c.Batch.Config, c.Batch.Elapsed.Round(time.Millisecond))
		},
	})
	if err != nil {
		return err
	}
	rec.Elapsed = time.Since(start)
	rec.Matrix = matrix

	if runDir != "" {
		if err := result.WriteRunRecord(runDir, rec); err != nil {
			return err
		}
		if cfg.Telemetry.MetricsTextfile {
			if err := metrics.WriteTextfile(filepath.Join(runDir, metricsFile)); err != nil {
				log.Warn("writing metrics textfile failed", zap.Error(err))
			}
		}
	}

	fmt.Println("\n--- Results ---")
	return report.Render(rec, cfg.Report.Format, report.Options{
		Precision: cfg.Report.Precision,
		Metric:    cfg.Report.Metric,
		Verbose:   flagVerbose,
	}, os.Stdout)
}
