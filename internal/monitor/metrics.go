package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the invoker.
type Metrics struct {
	Registry *prometheus.Registry

	VerdictsTotal    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	RequestDuration  prometheus.Histogram
	ActiveWorkers    prometheus.Gauge
	InfraFailures    *prometheus.CounterVec
	QueueEmptyPolls  prometheus.Counter
	Requeues         prometheus.Counter
	TeardownFailures prometheus.Counter
	OrphansSwept     prometheus.Counter
	OutputBytes      prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		VerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "verdicts_total",
				Help:      "Total completed executions by verdict.",
			},
			[]string{"verdict"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "invoker",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),

		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "invoker",
				Name:      "request_duration_seconds",
				Help:      "End-to-end duration per request, environment build and teardown included.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "invoker",
				Name:      "active_workers",
				Help:      "Number of workers currently processing a request.",
			},
		),

		InfraFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "infra_failures_total",
				Help:      "Engine/host infrastructure failures by type.",
			},
			[]string{"type"},
		),

		QueueEmptyPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "queue_empty_polls_total",
				Help:      "Dequeue attempts that found no work.",
			},
		),

		Requeues: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "requeues_total",
				Help:      "Requests returned to the queue before execution.",
			},
		),

		TeardownFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "teardown_failures_total",
				Help:      "Environment teardowns that timed out after escalation.",
			},
		),

		OrphansSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "invoker",
				Name:      "orphans_swept_total",
				Help:      "Orphaned cgroup leaves removed by the startup sweep.",
			},
		),

		OutputBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "invoker",
				Name:      "captured_output_bytes",
				Help:      "Captured stage output size in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.VerdictsTotal,
		m.StageDuration,
		m.RequestDuration,
		m.ActiveWorkers,
		m.InfraFailures,
		m.QueueEmptyPolls,
		m.Requeues,
		m.TeardownFailures,
		m.OrphansSwept,
		m.OutputBytes,
	)

	return m
}

// RecordVerdict records a completed execution.
func (m *Metrics) RecordVerdict(verdict string, durationSec float64) {
	m.VerdictsTotal.WithLabelValues(verdict).Inc()
	m.RequestDuration.Observe(durationSec)
}

// RecordInfraFailure records an infrastructure failure by type.
func (m *Metrics) RecordInfraFailure(failureType string) {
	m.InfraFailures.WithLabelValues(failureType).Inc()
}
