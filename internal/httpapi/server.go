// Package httpapi wires the proxy's HTTP front end: reverse-proxy
// passthrough via the dispatcher, plus the admin/status surface (spec §6).
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vectorha/proxy/internal/dispatcher"
	"github.com/vectorha/proxy/internal/httpaccess"
	"github.com/vectorha/proxy/internal/httpapi/middleware"
	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/store"
	"github.com/vectorha/proxy/internal/wal"
)

// Dispatcher is the narrowed surface the front end routes requests
// through.
type Dispatcher interface {
	Handle(ctx context.Context, method, path string, body []byte, headers http.Header) (*dispatcher.Result, error)
}

// AdmissionReporter is the narrowed surface exposing admission-control
// rejection counters (§4.E), implemented by *dispatcher.Dispatcher.
type AdmissionReporter interface {
	AdmissionStats() dispatcher.AdmissionStats
}

// StatsReporter is the narrowed surface exposing pool hit/miss counters
// (§4.A), implemented by *store.Store.
type StatsReporter interface {
	Stats() store.PoolStats
}

// WALTelemetry is the narrowed surface exposing adaptive batch-size
// counters (§12), implemented by *wal.Engine.
type WALTelemetry interface {
	Telemetry() wal.Telemetry
}

// PressureTelemetry is the narrowed surface exposing memory-pressure
// sample counts, implemented by *resourcemon.Monitor.
type PressureTelemetry interface {
	PressureEvents() int64
}

// Config configures the HTTP front end.
type Config struct {
	ServiceName    string
	Version        string
	BodyLimitBytes int64
	RequestTimeout time.Duration
	CORS           *middleware.CORSConfig

	// AdminTokens gates /status, /wal/status, and /metrics behind a
	// bearer-token allow-list (§10.A). Empty/nil leaves them open.
	AdminTokens []string
}

// Server holds the wired mux.Router, the fully wrapped handler chain, and
// its dependencies.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	dispatcher Dispatcher
	logger     *logging.Logger
	access     *httpaccess.Logger
	metrics    *metrics.Metrics
	health     *middleware.HealthChecker
	ready      bool

	primary   *instance.Descriptor
	replica   *instance.Descriptor
	walRepo   *store.WALRepo
	stats     StatsReporter
	admission AdmissionReporter
	walTel    WALTelemetry
	pressure  PressureTelemetry
}

// New builds the router and registers every handler and middleware.
func New(cfg Config, d Dispatcher, primary, replica *instance.Descriptor, walRepo *store.WALRepo, logger *logging.Logger, m *metrics.Metrics, access *httpaccess.Logger, stats StatsReporter, admission AdmissionReporter, walTel WALTelemetry, pressure PressureTelemetry) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: d,
		logger:     logger,
		access:     access,
		metrics:    m,
		health:     middleware.NewHealthChecker(cfg.Version),
		primary:    primary,
		replica:    replica,
		walRepo:    walRepo,
		stats:      stats,
		admission:  admission,
		walTel:     walTel,
		pressure:   pressure,
	}

	s.health.RegisterCheck("primary", func() error { return checkInstanceHealthy(primary) })
	s.health.RegisterCheck("replica", func() error { return checkInstanceHealthy(replica) })

	s.routes(cfg)
	return s
}

// Router exposes the fully wrapped handler chain for http.Server wiring.
func (s *Server) Router() http.Handler { return s.handler }

// SetReady flips the readiness flag once bootstrap has completed.
func (s *Server) SetReady(ready bool) { s.ready = ready }

func (s *Server) routes(cfg Config) {
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminTokens)

	s.router.HandleFunc("/health", s.health.Handler())
	s.router.HandleFunc("/health/live", middleware.LivenessHandler())
	s.router.HandleFunc("/health/ready", middleware.ReadinessHandler(&s.ready))
	s.router.Handle("/status", adminAuth.Handler(http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)
	s.router.Handle("/wal/status", adminAuth.Handler(http.HandlerFunc(s.handleWALStatus))).Methods(http.MethodGet)
	if metrics.Enabled() {
		s.router.Handle("/metrics", adminAuth.Handler(promhttp.Handler()))
	}

	s.router.PathPrefix("/api/").HandlerFunc(s.handleProxy)

	var handler http.Handler = s.router
	if cfg.CORS != nil {
		handler = middleware.NewCORSMiddleware(cfg.CORS).Handler(handler)
	}
	handler = middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler(handler)
	if cfg.BodyLimitBytes > 0 {
		handler = middleware.NewBodyLimitMiddleware(cfg.BodyLimitBytes).Handler(handler)
	}
	if cfg.RequestTimeout > 0 {
		handler = middleware.NewTimeoutMiddleware(cfg.RequestTimeout).Handler(handler)
	}
	handler = middleware.MetricsMiddleware(cfg.ServiceName, s.metrics)(handler)
	handler = middleware.NewRecoveryMiddleware(s.logger).Handler(handler)

	s.handler = handler
}

// handleProxy forwards a request through the dispatcher and relays its
// result, logging the outcome via the access logger.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024*1024))
	if err != nil {
		http.Error(w, `{"error":"failed to read request body"}`, http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	res, err := s.dispatcher.Handle(r.Context(), r.Method, r.URL.Path, body, r.Header.Clone())
	if err != nil {
		s.logger.WithFields(map[string]interface{}{"error": err, "path": r.URL.Path}).Error("dispatch failed")
		http.Error(w, `{"error":"upstream dispatch failed"}`, http.StatusBadGateway)
		if s.access != nil {
			s.access.LogRequest(r.Method, r.URL.Path, "", http.StatusBadGateway, time.Since(start), "")
		}
		return
	}

	for k, values := range res.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", contentTypeOrDefault(res.Header))
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)

	if s.access != nil {
		s.access.LogRequest(r.Method, r.URL.Path, "", res.StatusCode, time.Since(start), "")
	}
}

func contentTypeOrDefault(h http.Header) string {
	if h != nil {
		if ct := h.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/json"
}

// handleStatus reports per-instance health, optionally re-probing in real
// time when ?realtime=true is set (§6).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	realtime := r.URL.Query().Get("realtime") == "true"

	body := map[string]interface{}{
		"primary": s.instanceStatus(r.Context(), s.primary, realtime),
		"replica": s.instanceStatus(r.Context(), s.replica, realtime),
		"runtime": middleware.RuntimeStats(),
	}
	if s.stats != nil {
		poolStats := s.stats.Stats()
		body["pool"] = map[string]interface{}{
			"hits":             poolStats.Hits,
			"misses":           poolStats.Misses,
			"open_connections": poolStats.OpenConnections,
			"in_use":           poolStats.InUse,
			"idle":             poolStats.Idle,
		}
	}
	if s.admission != nil {
		admissionStats := s.admission.AdmissionStats()
		body["admission"] = map[string]interface{}{
			"timeout_requests":      admissionStats.TimeoutRequests,
			"queue_full_rejections": admissionStats.QueueFullRejections,
			"queue_depth":           admissionStats.QueueDepth,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) instanceStatus(ctx context.Context, d *instance.Descriptor, realtime bool) map[string]interface{} {
	healthy := d.CachedHealthy()
	if realtime {
		healthy = instance.CheckRealtime(ctx, http.DefaultClient, d.BaseURL)
	}
	return map[string]interface{}{
		"name":                 string(d.Name),
		"healthy":              healthy,
		"success_rate":         d.SuccessRate(),
		"consecutive_failures": d.ConsecutiveFailures(),
	}
}

// handleWALStatus reports pending backlog counts per instance (§6).
func (s *Server) handleWALStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	primaryPending, _ := s.walRepo.CountPendingForInstance(ctx, string(instance.Primary))
	replicaPending, _ := s.walRepo.CountPendingForInstance(ctx, string(instance.Replica))

	body := map[string]interface{}{
		"primary_pending": primaryPending,
		"replica_pending": replicaPending,
	}
	if s.walTel != nil {
		tel := s.walTel.Telemetry()
		body["sync_cycles"] = tel.SyncCycles
		body["batches_processed"] = tel.BatchesProcessed
		body["adaptive_batch_reductions"] = tel.AdaptiveBatchReductions
	}
	if s.pressure != nil {
		body["memory_pressure_events"] = s.pressure.PressureEvents()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func checkInstanceHealthy(d *instance.Descriptor) error {
	if d.CachedHealthy() {
		return nil
	}
	return errUnhealthy(string(d.Name))
}

type errUnhealthy string

func (e errUnhealthy) Error() string { return string(e) + " is unhealthy" }
