// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the proxy process.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// WAL engine metrics
	WALBacklog        *prometheus.GaugeVec
	WALAppendsTotal   prometheus.Counter
	WALSyncTotal      *prometheus.CounterVec
	WALSyncDuration   *prometheus.HistogramVec
	WALBatchSize      prometheus.Histogram

	// Dispatcher metrics
	AdmissionRejectedTotal *prometheus.CounterVec
	AdmissionQueueDepth    prometheus.Gauge
	InstanceHealthy        *prometheus.GaugeVec

	// WAL adaptive batch-size telemetry (§12)
	MemoryPressureEvents     prometheus.Counter
	AdaptiveBatchReductions  prometheus.Counter
	SyncCycles               prometheus.Counter
	BatchesProcessed         prometheus.Counter

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// or unregistered if registerer is nil (used by tests).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests handled by the dispatcher",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by kind and operation",
			},
			[]string{"service", "kind", "operation"},
		),

		WALBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wal_backlog_entries",
				Help: "Number of pending WAL entries by target instance",
			},
			[]string{"instance"},
		),
		WALAppendsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wal_appends_total",
				Help: "Total number of entries appended to the WAL",
			},
		),
		WALSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_sync_total",
				Help: "Total number of WAL replay attempts by instance and outcome",
			},
			[]string{"instance", "status"},
		),
		WALSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wal_sync_duration_seconds",
				Help:    "WAL batch replay duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"instance"},
		),
		WALBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wal_batch_size",
				Help:    "Number of entries selected per WAL replay batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		AdmissionRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_rejected_total",
				Help: "Total number of requests rejected by the admission controller, by reason",
			},
			[]string{"reason"},
		),
		AdmissionQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "admission_queue_depth",
				Help: "Current number of requests waiting for an admission slot",
			},
		),
		InstanceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "instance_healthy",
				Help: "1 if the backend instance is currently considered healthy, else 0",
			},
			[]string{"instance", "role"},
		),

		MemoryPressureEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wal_memory_pressure_events_total",
				Help: "Total number of times the resource monitor observed memory pressure",
			},
		),
		AdaptiveBatchReductions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wal_adaptive_batch_reductions_total",
				Help: "Total number of WAL sync batches shrunk below the default size",
			},
		),
		SyncCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wal_sync_cycles_total",
				Help: "Total number of WAL sync loop passes across all targets",
			},
		),
		BatchesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wal_batches_processed_total",
				Help: "Total number of non-empty WAL replay batches processed",
			},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.WALBacklog,
			m.WALAppendsTotal,
			m.WALSyncTotal,
			m.WALSyncDuration,
			m.WALBatchSize,
			m.AdmissionRejectedTotal,
			m.AdmissionQueueDepth,
			m.InstanceHealthy,
			m.MemoryPressureEvents,
			m.AdaptiveBatchReductions,
			m.SyncCycles,
			m.BatchesProcessed,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind (a proxyerr.Kind value) and operation.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordWALSync records the outcome of one WAL replay batch against instance.
func (m *Metrics) RecordWALSync(instance, status string, batchSize int, duration time.Duration) {
	m.WALSyncTotal.WithLabelValues(instance, status).Inc()
	m.WALSyncDuration.WithLabelValues(instance).Observe(duration.Seconds())
	m.WALBatchSize.Observe(float64(batchSize))
}

// SetWALBacklog sets the pending-entry gauge for instance.
func (m *Metrics) SetWALBacklog(instance string, count int) {
	m.WALBacklog.WithLabelValues(instance).Set(float64(count))
}

// SetInstanceHealthy records the current health of a backend instance.
func (m *Metrics) SetInstanceHealthy(instance, role string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.InstanceHealthy.WithLabelValues(instance, role).Set(v)
}

// RecordAdmissionRejected increments the admission-rejection counter for
// reason ("queue_full" or "timeout").
func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordMemoryPressureEvent increments the memory-pressure counter.
func (m *Metrics) RecordMemoryPressureEvent() { m.MemoryPressureEvents.Inc() }

// RecordAdaptiveBatchReduction increments the adaptive-batch-reduction counter.
func (m *Metrics) RecordAdaptiveBatchReduction() { m.AdaptiveBatchReductions.Inc() }

// RecordSyncCycle increments the sync-loop-pass counter.
func (m *Metrics) RecordSyncCycle() { m.SyncCycles.Inc() }

// RecordBatchProcessed increments the processed-batch counter.
func (m *Metrics) RecordBatchProcessed() { m.BatchesProcessed.Inc() }

// RecordDatabaseQuery records one query's outcome and duration.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the open-connection gauge.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime sets the uptime gauge relative to startTime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight request gauge.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight request gauge.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func environment() string {
	env := strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled reports whether Prometheus metrics should be exposed, controlled
// by METRICS_ENABLED (defaults to enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes and returns the global Metrics instance, creating it on
// first call.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName)
	}
	return global
}

// Global returns the global Metrics instance, creating an unnamed one if
// Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("vectorha-proxy")
	}
	return global
}
