// Package runner launches batches of workers and sweeps them over a grid of
// process counts and workload sizes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/fiberbench/internal/metric"
	"github.com/signalnine/fiberbench/internal/result"
	"github.com/signalnine/fiberbench/internal/telemetry"
	"github.com/signalnine/fiberbench/internal/worker"
)

type BatchOpts struct {
	Config    result.Configuration
	Launcher  worker.Launcher
	Extractor *metric.Extractor
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

func (o *BatchOpts) validate() error {
	if o.Config.ProcessCount < 1 {
		return fmt.Errorf("process count must be at least 1, got %d", o.Config.ProcessCount)
	}
	if o.Config.WorkloadSize < 1 {
		return fmt.Errorf("workload size must be at least 1, got %d", o.Config.WorkloadSize)
	}
	if o.Launcher == nil {
		return errors.New("no worker launcher")
	}
	if o.Extractor == nil {
		return errors.New("no metric extractor")
	}
	return nil
}

func (o *BatchOpts) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// runOutcome is what a waiting goroutine hands to the collector.
type runOutcome struct {
	run      result.RunResult
	failures map[string]metric.Failure
}

// RunBatch starts Config.ProcessCount workers, waits for all of them and
// returns their metrics indexed by launch order. Every launch is issued
// before any wait begins so the workers overlap. A launch failure kills the
// workers already started and aborts the batch.
func RunBatch(ctx context.Context, opts *BatchOpts) (*result.BatchResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := opts.logger().With(zap.Stringer("config", opts.Config))
	n := opts.Config.ProcessCount

	ctx, span := telemetry.Tracer().Start(ctx, "run_batch", trace.WithAttributes(
		attribute.Int("processes", n),
		attribute.Int("workload_size", opts.Config.WorkloadSize),
		attribute.String("launcher", opts.Launcher.Name()),
	))
	defer span.End()
	defer opts.Metrics.BatchStarted(n)()

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	log.Info("starting bench")
	handles, err := launchAll(batchCtx, opts, log)
	if err != nil {
		cancel()
		reap(handles)
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		return nil, err
	}

	batch := &result.BatchResult{
		Config: opts.Config,
		Runs:   make([]result.RunResult, n),
	}
	for i := range batch.Runs {
		batch.Runs[i] = result.RunResult{Index: i, Status: result.StatusPending, Metrics: metric.Set{}}
	}
	failures := make([]map[string]metric.Failure, n)

	jobs := make([]Job[runOutcome], n)
	for i, h := range handles {
		jobs[i] = func() (runOutcome, error) {
			return awaitRun(i, h, opts, log)
		}
	}
	errs := FanIn(jobs, func(o runOutcome) {
		batch.Runs[o.run.Index] = o.run
		failures[o.run.Index] = o.failures
	})
	for _, err := range errs {
		log.Warn("waiting for worker failed", zap.Error(err))
	}
	for i := range batch.Runs {
		for _, name := range opts.Extractor.Metrics() {
			f, ok := failures[i][name]
			if !ok {
				continue
			}
			batch.Missing = append(batch.Missing, result.MissingMetric{Index: i, Metric: name, Reason: f.String()})
			opts.Metrics.MetricMissing(name, f.Reason)
			log.Warn("worker reported no metric",
				zap.Int("index", i), zap.String("metric", name), zap.String("reason", f.String()))
		}
	}
	batch.Elapsed = time.Since(start)

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("batch %s interrupted: %w", opts.Config, err)
	}
	log.Info("bench terminated",
		zap.Duration("elapsed", batch.Elapsed),
		zap.Int("failed", batch.Failed()),
		zap.Int("missing", len(batch.Missing)))
	return batch, nil
}

// launchAll starts every worker concurrently and returns once all launches
// have been issued. Each goroutine owns its slot in the returned slice.
func launchAll(ctx context.Context, opts *BatchOpts, log *zap.Logger) ([]worker.Handle, error) {
	handles := make([]worker.Handle, opts.Config.ProcessCount)
	var g errgroup.Group
	for i := range handles {
		g.Go(func() error {
			h, err := opts.Launcher.Launch(ctx, i, opts.Config.WorkloadSize)
			if err != nil {
				opts.Metrics.LaunchFailed()
				return err
			}
			opts.Metrics.Launched()
			log.Debug("worker started", zap.Int("index", i), zap.String("status", string(result.StatusRunning)))
			handles[i] = h
			return nil
		})
	}
	err := g.Wait()
	return handles, err
}

// reap waits on every started worker so none is left behind after an abort.
func reap(handles []worker.Handle) {
	var jobs []Job[struct{}]
	for _, h := range handles {
		if h == nil {
			continue
		}
		jobs = append(jobs, func() (struct{}, error) {
			_, err := h.Wait()
			return struct{}{}, err
		})
	}
	FanIn(jobs, nil)
}

func awaitRun(index int, h worker.Handle, opts *BatchOpts, log *zap.Logger) (runOutcome, error) {
	c, err := h.Wait()
	if err != nil {
		ex := opts.Extractor.Extract("")
		o := runOutcome{
			run: result.RunResult{
				Index:    index,
				Status:   result.StatusFailed,
				ExitCode: -1,
				Metrics:  ex.Metrics,
			},
			failures: ex.Failures,
		}
		opts.Metrics.RunFinished(string(result.StatusFailed), 0)
		return o, fmt.Errorf("run %d: %w", index, err)
	}

	ex := opts.Extractor.Extract(c.Stdout)
	run := result.RunResult{
		Index:    index,
		Status:   statusOf(c),
		ExitCode: c.ExitCode,
		Duration: c.Duration,
		Metrics:  ex.Metrics,
		Stderr:   tail(c.Stderr, maxStderr),
	}
	opts.Metrics.RunFinished(string(run.Status), c.Duration)
	log.Debug("worker terminated",
		zap.Int("index", index),
		zap.String("status", string(run.Status)),
		zap.Int("exit_code", c.ExitCode),
		zap.Duration("duration", c.Duration),
		zap.Int("metrics", len(ex.Metrics)))
	return runOutcome{run: run, failures: ex.Failures}, nil
}

const maxStderr = 4096

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func statusOf(c *worker.Completion) result.Status {
	switch {
	case c.TimedOut:
		return result.StatusTimeout
	case c.ExitCode != 0:
		return result.StatusFailed
	default:
		return result.StatusCompleted
	}
}
