package result

import (
	"fmt"
	"time"

	"github.com/signalnine/fiberbench/internal/config"
	"github.com/signalnine/fiberbench/internal/metric"
)

// Configuration identifies one sweep cell.
type Configuration struct {
	ProcessCount int `json:"process_count"`
	WorkloadSize int `json:"workload_size"`
}

func (c Configuration) String() string {
	return fmt.Sprintf("(%d,%d)", c.ProcessCount, c.WorkloadSize)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// RunResult is one worker's outcome within a batch.
type RunResult struct {
	Index    int           `json:"index"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration_ns"`
	Metrics  metric.Set    `json:"metrics"`
	Stderr   string        `json:"stderr,omitempty"`
}

// MissingMetric records a run that did not produce a metric.
type MissingMetric struct {
	Index  int    `json:"index"`
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

func (m MissingMetric) String() string {
	return fmt.Sprintf("Process#%d has no %s (%s)", m.Index, m.Metric, m.Reason)
}

// BatchResult holds every run of one configuration, indexed by launch order.
type BatchResult struct {
	Config  Configuration   `json:"config"`
	Runs    []RunResult     `json:"runs"`
	Missing []MissingMetric `json:"missing,omitempty"`
	Elapsed time.Duration   `json:"elapsed_ns"`
}

// Failed counts runs that did not complete cleanly.
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Runs {
		if r.Status != StatusCompleted {
			n++
		}
	}
	return n
}

// AggregateResult holds per-metric means over the runs that reported them.
type AggregateResult struct {
	Config Configuration      `json:"config"`
	Means  map[string]float64 `json:"means"`
	Counts map[string]int     `json:"counts"`
}

// Mean returns the average of a metric, false when no run reported it.
func (a AggregateResult) Mean(name string) (float64, bool) {
	v, ok := a.Means[name]
	return v, ok
}

type Cell struct {
	Batch     BatchResult     `json:"batch"`
	Aggregate AggregateResult `json:"aggregate"`
}

// SweepMatrix rows follow ProcessCounts and columns follow WorkloadSizes.
type SweepMatrix struct {
	ProcessCounts []int    `json:"process_counts"`
	WorkloadSizes []int    `json:"workload_sizes"`
	Cells         [][]Cell `json:"cells"`
}

// Shape returns rows, columns.
func (m *SweepMatrix) Shape() (int, int) {
	if len(m.Cells) == 0 {
		return 0, 0
	}
	return len(m.Cells), len(m.Cells[0])
}

func (m *SweepMatrix) At(row, col int) *Cell {
	return &m.Cells[row][col]
}

// RunRecord is what gets stored for one invocation of the harness.
type RunRecord struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
	Worker    string         `json:"worker"`
	Labels    []config.Label `json:"labels"`
	Processes config.Range   `json:"processes"`
	Workloads config.Range   `json:"workloads"`
	Matrix    *SweepMatrix   `json:"matrix"`
}

// IsSingle reports whether the record covers exactly one configuration.
func (r *RunRecord) IsSingle() bool {
	rows, cols := r.Matrix.Shape()
	return rows == 1 && cols == 1
}
