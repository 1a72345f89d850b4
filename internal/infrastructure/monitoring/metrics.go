package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names used as label values.
const (
	OpInstall   = "install"
	OpUpdate    = "update"
	OpUninstall = "uninstall"
	OpSave      = "save"
	OpLoad      = "load"
	OpRefresh   = "refresh"
	OpCompact   = "compact"
)

// Metrics holds all Prometheus metrics for a storage instance
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ModulesInstalled  prometheus.Gauge
	StaleDiscarded    prometheus.Counter

	// Content metrics
	FilesEvicted    prometheus.Counter
	FilesOpen       prometheus.Gauge
	DeferredDeletes prometheus.Counter
	LibsExtracted   prometheus.Counter

	// Snapshot for JSON output - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON output
type MetricsSnapshot struct {
	Installs        int64 `json:"installs"`
	Updates         int64 `json:"updates"`
	Uninstalls      int64 `json:"uninstalls"`
	Saves           int64 `json:"saves"`
	Failures        int64 `json:"failures"`
	Evictions       int64 `json:"evictions"`
	OpenFiles       int64 `json:"open_files"`
	DeferredDeletes int64 `json:"deferred_deletes"`
	StaleDiscarded  int64 `json:"stale_discarded"`
}

// NewMetrics creates a metrics collector registered with reg. A nil reg
// gets a private registry so that independent instances never collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "module_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"op", "status"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "module_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op"},
		),
		ModulesInstalled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "module_storage_modules",
				Help: "Number of modules currently installed",
			},
		),
		StaleDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "module_storage_stale_discarded_total",
				Help: "Modules discarded at startup because their content went stale",
			},
		),

		FilesEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "module_storage_files_evicted_total",
				Help: "Content files closed by the open file limit",
			},
		),
		FilesOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "module_storage_files_open",
				Help: "Content files currently held open",
			},
		),
		DeferredDeletes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "module_storage_deferred_deletes_total",
				Help: "Directories marked for deletion on next start",
			},
		),
		LibsExtracted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "module_storage_native_libs_extracted_total",
				Help: "Native libraries copied to temporary locations",
			},
		),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation records a completed storage operation
func (m *Metrics) RecordOperation(op string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snapshot.Failures++
		return
	}
	switch op {
	case OpInstall:
		m.snapshot.Installs++
	case OpUpdate:
		m.snapshot.Updates++
	case OpUninstall:
		m.snapshot.Uninstalls++
	case OpSave:
		m.snapshot.Saves++
	}
}

// SetModules sets the number of installed modules
func (m *Metrics) SetModules(count int) {
	m.ModulesInstalled.Set(float64(count))
}

// IncStaleDiscarded increments the stale module counter
func (m *Metrics) IncStaleDiscarded() {
	m.StaleDiscarded.Inc()
	m.mu.Lock()
	m.snapshot.StaleDiscarded++
	m.mu.Unlock()
}

// IncDeferredDeletes increments the deferred delete counter
func (m *Metrics) IncDeferredDeletes() {
	m.DeferredDeletes.Inc()
	m.mu.Lock()
	m.snapshot.DeferredDeletes++
	m.mu.Unlock()
}

// IncLibsExtracted increments the native library counter
func (m *Metrics) IncLibsExtracted() {
	m.LibsExtracted.Inc()
}

// FileEvicted records a content file closed by the open file limit.
func (m *Metrics) FileEvicted() {
	m.FilesEvicted.Inc()
	m.mu.Lock()
	m.snapshot.Evictions++
	m.mu.Unlock()
}

// OpenFiles records the number of open content files.
func (m *Metrics) OpenFiles(n int) {
	m.FilesOpen.Set(float64(n))
	m.mu.Lock()
	m.snapshot.OpenFiles = int64(n)
	m.mu.Unlock()
}

// Snapshot returns current metric values
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
