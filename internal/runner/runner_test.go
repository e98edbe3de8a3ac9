package runner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/fiberbench/internal/config"
	"github.com/signalnine/fiberbench/internal/metric"
	"github.com/signalnine/fiberbench/internal/result"
	"github.com/signalnine/fiberbench/internal/runner"
	"github.com/signalnine/fiberbench/internal/telemetry"
	"github.com/signalnine/fiberbench/internal/worker"
)

var errBoom = errors.New("boom")

// fakeLauncher hands out handles whose behaviour is decided per run index.
type fakeLauncher struct {
	delay   func(index int) time.Duration
	output  func(index, workload int) string
	failAt  int
	waitErr int
	timeout int

	started atomic.Int32
	waited  atomic.Int32
}

func newFake() *fakeLauncher {
	return &fakeLauncher{
		delay:   func(int) time.Duration { return 0 },
		output:  timingOutput,
		failAt:  -1,
		waitErr: -1,
		timeout: -1,
	}
}

func timingOutput(index, workload int) string {
	return fmt.Sprintf("Time to initialize fibers: %d\nTime to run do the work (per-fiber): %d.5\n",
		index, workload)
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) Launch(ctx context.Context, index, workloadSize int) (worker.Handle, error) {
	if index == f.failAt {
		return nil, fmt.Errorf("%w: run %d: %w", worker.ErrLaunch, index, errBoom)
	}
	f.started.Add(1)
	return &fakeHandle{f: f, ctx: ctx, index: index, workload: workloadSize}, nil
}

type fakeHandle struct {
	f        *fakeLauncher
	ctx      context.Context
	index    int
	workload int
}

func (h *fakeHandle) Wait() (*worker.Completion, error) {
	defer h.f.waited.Add(1)
	start := time.Now()
	select {
	case <-time.After(h.f.delay(h.index)):
	case <-h.ctx.Done():
		return &worker.Completion{ExitCode: -1, Duration: time.Since(start)}, nil
	}
	switch h.index {
	case h.f.waitErr:
		return nil, errBoom
	case h.f.timeout:
		return &worker.Completion{ExitCode: worker.TimeoutExitCode, TimedOut: true, Duration: time.Since(start)}, nil
	}
	return &worker.Completion{Stdout: h.f.output(h.index, h.workload), Duration: time.Since(start)}, nil
}

func batchOpts(l worker.Launcher, processes, workload int) *runner.BatchOpts {
	return &runner.BatchOpts{
		Config:    result.Configuration{ProcessCount: processes, WorkloadSize: workload},
		Launcher:  l,
		Extractor: metric.MustCompile(config.DefaultLabels),
	}
}

func TestRunBatchIndexAligned(t *testing.T) {
	f := newFake()
	// Later launches finish first.
	f.delay = func(i int) time.Duration { return time.Duration(5-i) * 10 * time.Millisecond }

	b, err := runner.RunBatch(context.Background(), batchOpts(f, 5, 7))
	require.NoError(t, err)
	require.Len(t, b.Runs, 5)
	for i, r := range b.Runs {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, result.StatusCompleted, r.Status)
		assert.Equal(t, float64(i), r.Metrics["init_time"])
		assert.Equal(t, 7.5, r.Metrics["run_time"])
	}
	assert.Empty(t, b.Missing)
	assert.EqualValues(t, 5, f.waited.Load())
}

func TestRunBatchRunsConcurrently(t *testing.T) {
	f := newFake()
	f.delay = func(int) time.Duration { return 100 * time.Millisecond }

	start := time.Now()
	b, err := runner.RunBatch(context.Background(), batchOpts(f, 8, 1))
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, 0, b.Failed())
}

func TestRunBatchWaitsForSlowest(t *testing.T) {
	f := newFake()
	f.delay = func(i int) time.Duration {
		if i == 2 {
			return 150 * time.Millisecond
		}
		return 0
	}
	start := time.Now()
	b, err := runner.RunBatch(context.Background(), batchOpts(f, 3, 1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, result.StatusCompleted, b.Runs[2].Status)
}

func TestRunBatchMissingMetricIsolated(t *testing.T) {
	f := newFake()
	f.output = func(index, workload int) string {
		if index == 1 {
			return "Time to initialize fibers: 3\nsegfault\n"
		}
		return timingOutput(index, workload)
	}

	b, err := runner.RunBatch(context.Background(), batchOpts(f, 3, 2))
	require.NoError(t, err)
	require.Len(t, b.Missing, 1)
	assert.Equal(t, 1, b.Missing[0].Index)
	assert.Equal(t, "run_time", b.Missing[0].Metric)
	assert.Equal(t, metric.ReasonMissing, b.Missing[0].Reason)

	_, ok := b.Runs[1].Metrics["run_time"]
	assert.False(t, ok)
	assert.Equal(t, 3.0, b.Runs[1].Metrics["init_time"])

	agg := result.Aggregate(b)
	mean, ok := agg.Mean("run_time")
	require.True(t, ok)
	assert.Equal(t, 2.5, mean)
	assert.Equal(t, 2, agg.Counts["run_time"])
}

func TestRunBatchLaunchFailureAborts(t *testing.T) {
	f := newFake()
	f.failAt = 2
	f.delay = func(int) time.Duration { return 10 * time.Second }

	start := time.Now()
	b, err := runner.RunBatch(context.Background(), batchOpts(f, 4, 1))
	require.Error(t, err)
	assert.Nil(t, b)
	assert.ErrorIs(t, err, worker.ErrLaunch)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 3, f.started.Load())
	assert.EqualValues(t, 3, f.waited.Load())
}

func TestRunBatchWaitErrorIsFailedRun(t *testing.T) {
	f := newFake()
	f.waitErr = 0

	b, err := runner.RunBatch(context.Background(), batchOpts(f, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailed, b.Runs[0].Status)
	assert.Equal(t, -1, b.Runs[0].ExitCode)
	assert.Equal(t, result.StatusCompleted, b.Runs[1].Status)
	assert.Len(t, b.Missing, 2)
	assert.Equal(t, 1, b.Failed())
}

func TestRunBatchTimeoutStatus(t *testing.T) {
	f := newFake()
	f.timeout = 1

	b, err := runner.RunBatch(context.Background(), batchOpts(f, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, result.StatusTimeout, b.Runs[1].Status)
	assert.Equal(t, worker.TimeoutExitCode, b.Runs[1].ExitCode)
}

func TestRunBatchInterrupted(t *testing.T) {
	f := newFake()
	f.delay = func(int) time.Duration { return 10 * time.Second }
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := runner.RunBatch(ctx, batchOpts(f, 3, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 3, f.waited.Load())
}

func TestRunBatchValidation(t *testing.T) {
	f := newFake()
	_, err := runner.RunBatch(context.Background(), batchOpts(f, 0, 1))
	assert.Error(t, err)
	_, err = runner.RunBatch(context.Background(), batchOpts(f, 1, 0))
	assert.Error(t, err)
	_, err = runner.RunBatch(context.Background(), &runner.BatchOpts{
		Config:   result.Configuration{ProcessCount: 1, WorkloadSize: 1},
		Launcher: f,
	})
	assert.Error(t, err)
	assert.Zero(t, f.started.Load())
}

func TestRunBatchRecordsMetrics(t *testing.T) {
	f := newFake()
	f.timeout = 0
	m := telemetry.NewMetrics()
	opts := batchOpts(f, 2, 1)
	opts.Metrics = m

	_, err := runner.RunBatch(context.Background(), opts)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "fiberbench_worker_launches_total 2")
	assert.Contains(t, string(data), `fiberbench_worker_runs_total{status="timeout"} 1`)
	assert.Contains(t, string(data), `fiberbench_missing_metrics_total{metric="run_time",reason="missing"} 1`)
}

func TestSweepShapeAndOrder(t *testing.T) {
	f := newFake()
	var order []result.Configuration
	var cells int
	m, err := runner.Sweep(context.Background(), &runner.SweepOpts{
		Processes: config.Range{From: 1, To: 9, Step: 2},
		Workloads: config.Range{From: 3, To: 5, Step: 2},
		Launcher:  f,
		Extractor: metric.MustCompile(config.DefaultLabels),
		OnBatch:   func(c result.Configuration) { order = append(order, c) },
		OnCell:    func(*result.Cell) { cells++ },
	})
	require.NoError(t, err)

	rows, cols := m.Shape()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, m.ProcessCounts)
	assert.Equal(t, []int{3, 5}, m.WorkloadSizes)
	assert.Equal(t, 10, cells)

	require.Len(t, order, 10)
	assert.Equal(t, result.Configuration{ProcessCount: 1, WorkloadSize: 3}, order[0])
	assert.Equal(t, result.Configuration{ProcessCount: 1, WorkloadSize: 5}, order[1])
	assert.Equal(t, result.Configuration{ProcessCount: 3, WorkloadSize: 3}, order[2])
	assert.Equal(t, result.Configuration{ProcessCount: 9, WorkloadSize: 5}, order[9])

	c := m.At(3, 1)
	assert.Equal(t, result.Configuration{ProcessCount: 7, WorkloadSize: 5}, c.Batch.Config)
	assert.Len(t, c.Batch.Runs, 7)
	mean, ok := c.Aggregate.Mean("run_time")
	require.True(t, ok)
	assert.Equal(t, 5.5, mean)
	mean, ok = c.Aggregate.Mean("init_time")
	require.True(t, ok)
	assert.Equal(t, 3.0, mean)

	assert.EqualValues(t, 2*(1+3+5+7+9), f.started.Load())
}

func TestSweepSingleCellMatchesBatch(t *testing.T) {
	f := newFake()
	m, err := runner.Sweep(context.Background(), &runner.SweepOpts{
		Processes: config.Single(4),
		Workloads: config.Single(10),
		Launcher:  f,
		Extractor: metric.MustCompile(config.DefaultLabels),
	})
	require.NoError(t, err)
	rows, cols := m.Shape()
	require.Equal(t, 1, rows)
	require.Equal(t, 1, cols)

	b, err := runner.RunBatch(context.Background(), batchOpts(newFake(), 4, 10))
	require.NoError(t, err)
	assert.Equal(t, result.Aggregate(b).Means, m.At(0, 0).Aggregate.Means)
	assert.Equal(t, len(b.Runs), len(m.At(0, 0).Batch.Runs))
}

func TestSweepRejectsInvalidRanges(t *testing.T) {
	cases := map[string][2]config.Range{
		"zero step":      {{From: 1, To: 3, Step: 0}, config.Single(1)},
		"reversed":       {config.Single(1), {From: 5, To: 3, Step: 1}},
		"zero processes": {{From: 0, To: 3, Step: 1}, config.Single(1)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFake()
			_, err := runner.Sweep(context.Background(), &runner.SweepOpts{
				Processes: tc[0],
				Workloads: tc[1],
				Launcher:  f,
				Extractor: metric.MustCompile(config.DefaultLabels),
			})
			assert.Error(t, err)
			assert.Zero(t, f.started.Load())
		})
	}
}

func TestSweepStopsOnLaunchFailure(t *testing.T) {
	f := newFake()
	f.failAt = 2
	var cells int
	_, err := runner.Sweep(context.Background(), &runner.SweepOpts{
		Processes: config.Range{From: 1, To: 5, Step: 2},
		Workloads: config.Single(1),
		Launcher:  f,
		Extractor: metric.MustCompile(config.DefaultLabels),
		OnCell:    func(*result.Cell) { cells++ },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrLaunch)
	assert.Contains(t, err.Error(), "sweep cell (3,1)")
	assert.Equal(t, 1, cells)
}

func TestRunBatchExecWorker(t *testing.T) {
	script := filepath.Join(t.TempDir(), "test")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
echo "Starting fibers"
echo "Time to initialize fibers: 0.25"
echo "Time to run do the work (per-fiber): $1"
`), 0o755))

	b, err := runner.RunBatch(context.Background(), batchOpts(&worker.ExecLauncher{Path: script}, 3, 12))
	require.NoError(t, err)
	for _, r := range b.Runs {
		assert.Equal(t, result.StatusCompleted, r.Status)
		assert.Equal(t, 12.0, r.Metrics["run_time"])
	}
	agg := result.Aggregate(b)
	mean, ok := agg.Mean("init_time")
	require.True(t, ok)
	assert.InDelta(t, 0.25, mean, 1e-9)
}

// failingExec starts real shell workers but refuses one index.
type failingExec struct {
	*worker.ExecLauncher
	failAt int
}

func (f *failingExec) Launch(ctx context.Context, index, workloadSize int) (worker.Handle, error) {
	if index == f.failAt {
		return nil, fmt.Errorf("%w: run %d: %w", worker.ErrLaunch, index, errBoom)
	}
	return f.ExecLauncher.Launch(ctx, index, workloadSize)
}

func sleepyScript(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "test")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 3\necho \"Time to run do the work (per-fiber): $1\"\n"), 0o755))
	return script
}

func TestRunBatchLaunchFailureStopsShellWorkers(t *testing.T) {
	l := &failingExec{ExecLauncher: &worker.ExecLauncher{Path: sleepyScript(t)}, failAt: 2}

	start := time.Now()
	_, err := runner.RunBatch(context.Background(), batchOpts(l, 4, 1))
	assert.ErrorIs(t, err, worker.ErrLaunch)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunBatchInterruptStopsShellWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := runner.RunBatch(ctx, batchOpts(&worker.ExecLauncher{Path: sleepyScript(t)}, 3, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunBatchTimeoutDoesNotHoldJoin(t *testing.T) {
	l := &worker.ExecLauncher{Path: sleepyScript(t), Timeout: 200 * time.Millisecond}

	start := time.Now()
	b, err := runner.RunBatch(context.Background(), batchOpts(l, 3, 1))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	for _, r := range b.Runs {
		assert.Equal(t, result.StatusTimeout, r.Status)
	}
	assert.Len(t, b.Missing, 6)
}
