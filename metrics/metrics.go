package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one sandbox instance. All
// methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	HostCalls         prometheus.Histogram
	ActiveExecutions  prometheus.Gauge
	Compiles          *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheCorruptions  *prometheus.CounterVec
	CacheWrites       *prometheus.CounterVec
	MigrationItems    *prometheus.CounterVec
	ModuleSizeBytes   prometheus.Histogram
}

// New creates and registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of guest executions by outcome.",
			},
			[]string{"outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of guest executions in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
			[]string{"outcome"},
		),

		HostCalls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "host_calls_per_execution",
				Help:      "Host calls consumed per execution.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of executions currently running.",
			},
		),

		Compiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "compiles_total",
				Help:      "Module compilations by result.",
			},
			[]string{"result"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Artifact cache lookups by result (hit, miss).",
			},
			[]string{"result"},
		),

		CacheCorruptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "cache",
				Name:      "corruptions_total",
				Help:      "Cache entries evicted after failing digest verification.",
			},
			[]string{"namespace"},
		),

		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Atomic cache writes by namespace.",
			},
			[]string{"namespace"},
		),

		MigrationItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "migration",
				Name:      "items_total",
				Help:      "Legacy artifacts processed by migration, by status.",
			},
			[]string{"status"},
		),

		ModuleSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "module_size_bytes",
				Help:      "Size of submitted module sources in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.HostCalls,
		m.ActiveExecutions,
		m.Compiles,
		m.CacheLookups,
		m.CacheCorruptions,
		m.CacheWrites,
		m.MigrationItems,
		m.ModuleSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(outcome string, durationSec float64, hostCalls uint32) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(durationSec)
	m.HostCalls.Observe(float64(hostCalls))
}

// ExecutionStarted increments the active gauge and returns its decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}

// RecordCompile records a compilation attempt.
func (m *Metrics) RecordCompile(ok bool, sourceBytes int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Compiles.WithLabelValues(result).Inc()
	m.ModuleSizeBytes.Observe(float64(sourceBytes))
}

// RecordLookup records a cache lookup.
func (m *Metrics) RecordLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCorruption records an evicted corrupt entry.
func (m *Metrics) RecordCorruption(namespace string) {
	if m == nil {
		return
	}
	m.CacheCorruptions.WithLabelValues(namespace).Inc()
}

// RecordWrite records a committed cache write.
func (m *Metrics) RecordWrite(namespace string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(namespace).Inc()
}

// RecordMigration records one migrated item.
func (m *Metrics) RecordMigration(status string) {
	if m == nil {
		return
	}
	m.MigrationItems.WithLabelValues(status).Inc()
}

// WriteTextfile dumps the registry in text exposition format, for the node
// exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
