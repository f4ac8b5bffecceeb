// Package metrics declares the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the pipeline exports. One instance is
// created per process and registered on its own registry so tests can use
// independent instances.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesProcessed *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
	ActiveWorkers     prometheus.Gauge
	AnomaliesDetected *prometheus.CounterVec
	CacheOperations   *prometheus.CounterVec
	WindowsEmitted    *prometheus.CounterVec
	LateEvents        prometheus.Counter
	OpenWindows       prometheus.Gauge
	SinkWrites        *prometheus.CounterVec
	ConsumerCommits   *prometheus.CounterVec
	DeadLetters       prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "messages_processed_total", Help: "Messages processed by topic and outcome."},
			[]string{"topic", "status"},
		),
		ProcessingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conveyor", Name: "message_processing_seconds",
				Help:    "Per-message pipeline latency.",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"topic"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "conveyor", Name: "active_workers", Help: "Partition workers currently processing a batch."},
		),
		AnomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "anomalies_detected_total", Help: "Anomaly records by detector family."},
			[]string{"detector"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "cache_operations_total", Help: "Cache operations by type and outcome."},
			[]string{"operation", "status"},
		),
		WindowsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "windows_emitted_total", Help: "Window aggregates emitted by window size."},
			[]string{"size"},
		),
		LateEvents: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "late_events_total", Help: "Events attributed past their own window."},
		),
		OpenWindows: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: "conveyor", Name: "open_windows", Help: "Live windows currently accumulating."},
		),
		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "sink_writes_total", Help: "Sink writes by sink and outcome."},
			[]string{"sink", "status"},
		),
		ConsumerCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "consumer_commits_total", Help: "Committed batches by topic."},
			[]string{"topic"},
		),
		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "conveyor", Name: "dead_letters_total", Help: "Records diverted to the dead-letter file."},
		),
	}

	m.Registry.MustRegister(
		m.MessagesProcessed,
		m.ProcessingSeconds,
		m.ActiveWorkers,
		m.AnomaliesDetected,
		m.CacheOperations,
		m.WindowsEmitted,
		m.LateEvents,
		m.OpenWindows,
		m.SinkWrites,
		m.ConsumerCommits,
		m.DeadLetters,
	)
	return m
}
