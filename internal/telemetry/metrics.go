// Package telemetry carries the harness's own counters and trace spans.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records what the harness did. A nil *Metrics is valid and records
// nothing, so the runner can be used without telemetry.
type Metrics struct {
	registry *prometheus.Registry

	launches        prometheus.Counter
	launchFailures  prometheus.Counter
	runs            *prometheus.CounterVec
	missingMetrics  *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	workerDuration  prometheus.Histogram
	batchesInFlight prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberbench",
			Name:      "worker_launches_total",
			Help:      "Worker processes started.",
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiberbench",
			Name:      "worker_launch_failures_total",
			Help:      "Worker processes that could not be started.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberbench",
			Name:      "worker_runs_total",
			Help:      "Finished worker runs by status.",
		}, []string{"status"}),
		missingMetrics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiberbench",
			Name:      "missing_metrics_total",
			Help:      "Metrics a worker did not report, by metric and reason.",
		}, []string{"metric", "reason"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fiberbench",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time of one batch, by process count.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"processes"}),
		workerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fiberbench",
			Name:      "worker_duration_seconds",
			Help:      "Wall-clock time of one worker process.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiberbench",
			Name:      "batches_in_flight",
			Help:      "Batches currently running.",
		}),
	}
	m.registry.MustRegister(
		m.launches,
		m.launchFailures,
		m.runs,
		m.missingMetrics,
		m.batchDuration,
		m.workerDuration,
		m.batchesInFlight,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Launched() {
	if m == nil {
		return
	}
	m.launches.Inc()
}

func (m *Metrics) LaunchFailed() {
	if m == nil {
		return
	}
	m.launchFailures.Inc()
}

func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.workerDuration.Observe(d.Seconds())
}

func (m *Metrics) MetricMissing(name, reason string) {
	if m == nil {
		return
	}
	m.missingMetrics.WithLabelValues(name, reason).Inc()
}

// BatchStarted marks a batch in flight and returns the func ending it.
func (m *Metrics) BatchStarted(processes int) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.batchesInFlight.Inc()
	return func() {
		m.batchesInFlight.Dec()
		m.batchDuration.WithLabelValues(fmt.Sprint(processes)).Observe(time.Since(start).Seconds())
	}
}

// WriteTextfile dumps the registry in the text exposition format, suitable
// for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
