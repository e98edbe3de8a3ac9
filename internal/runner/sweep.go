package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/signalnine/fiberbench/internal/config"
	"github.com/signalnine/fiberbench/internal/metric"
	"github.com/signalnine/fiberbench/internal/result"
	"github.com/signalnine/fiberbench/internal/telemetry"
	"github.com/signalnine/fiberbench/internal/worker"
)

type SweepOpts struct {
	Processes config.Range
	Workloads config.Range
	Launcher  worker.Launcher
	Extractor *metric.Extractor
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics

	// OnBatch is called before each cell's batch starts.
	OnBatch func(result.Configuration)
	// OnCell is called with each finished cell, in sweep order.
	OnCell func(*result.Cell)
}

// Sweep runs one batch per (process count, workload size) cell, process
// count being the outer axis. Cells run one after another so that their
// timings do not interfere. A single-value range on both axes yields a 1x1
// matrix. Invalid ranges are rejected before any worker starts.
func Sweep(ctx context.Context, opts *SweepOpts) (*result.SweepMatrix, error) {
	if err := opts.Processes.Validate("processes"); err != nil {
		return nil, err
	}
	if err := opts.Workloads.Validate("workloads"); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	m := &result.SweepMatrix{
		ProcessCounts: opts.Processes.Values(),
		WorkloadSizes: opts.Workloads.Values(),
	}
	m.Cells = make([][]result.Cell, len(m.ProcessCounts))

	ctx, span := telemetry.Tracer().Start(ctx, "sweep", trace.WithAttributes(
		attribute.String("processes", opts.Processes.String()),
		attribute.String("workloads", opts.Workloads.String()),
	))
	defer span.End()

	start := time.Now()
	for row, pc := range m.ProcessCounts {
		m.Cells[row] = make([]result.Cell, 0, len(m.WorkloadSizes))
		for _, ws := range m.WorkloadSizes {
			cfg := result.Configuration{ProcessCount: pc, WorkloadSize: ws}
			if opts.OnBatch != nil {
				opts.OnBatch(cfg)
			}
			batch, err := RunBatch(ctx, &BatchOpts{
				Config:    cfg,
				Launcher:  opts.Launcher,
				Extractor: opts.Extractor,
				Logger:    log,
				Metrics:   opts.Metrics,
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "batch failed")
				return nil, fmt.Errorf("sweep cell %s: %w", cfg, err)
			}
			m.Cells[row] = append(m.Cells[row], result.Cell{
				Batch:     *batch,
				Aggregate: result.Aggregate(batch),
			})
			if opts.OnCell != nil {
				opts.OnCell(&m.Cells[row][len(m.Cells[row])-1])
			}
		}
	}
	log.Info("sweep finished",
		zap.Int("rows", len(m.ProcessCounts)),
		zap.Int("columns", len(m.WorkloadSizes)),
		zap.Duration("elapsed", time.Since(start)))
	return m, nil
}
