package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for hubpack runs. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Patch metrics
	patchResults *prometheus.CounterVec

	// Board metrics
	boardClassification *prometheus.GaugeVec
	syncResults         *prometheus.CounterVec

	// Artifact metrics
	archiveSize       prometheus.Gauge
	lastReleaseUnixTS prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled() {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of hubpack operations completed",
			},
			[]string{"operation", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		patchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patch_results_total",
				Help:      "Patch application results by outcome",
			},
			[]string{"outcome"},
		),
		boardClassification: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "boards",
				Help:      "Boards by reconciliation class after the last check",
			},
			[]string{"class"},
		),
		syncResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "variant_sync_total",
				Help:      "Variant sync results by outcome",
			},
			[]string{"outcome"},
		),
		archiveSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_size_bytes",
				Help:      "Size of the last verified release archive",
			},
		),
		lastReleaseUnixTS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_release_timestamp_seconds",
				Help:      "Unix time of the last successful release",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.stageDuration,
		m.patchResults,
		m.boardClassification,
		m.syncResults,
		m.archiveSize,
		m.lastReleaseUnixTS,
		m.errorsByClass,
	)

	return m, nil
}

// RecordRunCompleted records a finished top-level operation.
func (m *Metrics) RecordRunCompleted(operation, status string) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordPatchResult counts one patch application outcome.
func (m *Metrics) RecordPatchResult(outcome string) {
	if m.patchResults == nil {
		return
	}
	m.patchResults.WithLabelValues(outcome).Inc()
}

// SetBoardClassification records the size of each reconciliation class.
func (m *Metrics) SetBoardClassification(matched, missing, orphaned int) {
	if m.boardClassification == nil {
		return
	}
	m.boardClassification.WithLabelValues("matched").Set(float64(matched))
	m.boardClassification.WithLabelValues("missing").Set(float64(missing))
	m.boardClassification.WithLabelValues("orphaned").Set(float64(orphaned))
}

// RecordSyncResult adds n results with the given outcome.
func (m *Metrics) RecordSyncResult(outcome string, n int) {
	if m.syncResults == nil || n == 0 {
		return
	}
	m.syncResults.WithLabelValues(outcome).Add(float64(n))
}

// RecordRelease records the size of a verified archive.
func (m *Metrics) RecordRelease(size int64, at time.Time) {
	if m.archiveSize == nil {
		return
	}
	m.archiveSize.Set(float64(size))
	m.lastReleaseUnixTS.Set(float64(at.Unix()))
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Flush writes the registry to the configured textfile. The write is
// atomic, so a collector never reads a partial file.
func (m *Metrics) Flush() error {
	if m.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
