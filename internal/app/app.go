// Package app wires every component into a running proxy process: the
// persistence store, instance health monitor, backend clients, mapping
// resolver, WAL engine, transaction safety log, dispatcher, recovery
// coordinator, resource monitor, retention sweeper, and HTTP front end.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/config"
	"github.com/vectorha/proxy/internal/dispatcher"
	"github.com/vectorha/proxy/internal/httpaccess"
	"github.com/vectorha/proxy/internal/httpapi"
	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/mapping"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/recovery"
	"github.com/vectorha/proxy/internal/resilience"
	"github.com/vectorha/proxy/internal/resourcemon"
	"github.com/vectorha/proxy/internal/retention"
	"github.com/vectorha/proxy/internal/store"
	"github.com/vectorha/proxy/internal/txlog"
	"github.com/vectorha/proxy/internal/wal"
)

// backendLister adapts backend.Client to mapping.BackendLister without
// mapping importing backend (avoids an import cycle: backend doesn't
// depend on mapping, but both are consumed by dispatcher/wal).
type backendLister struct{ client *backend.Client }

func (b backendLister) ListCollections(ctx context.Context) ([]byte, error) {
	resp, err := b.client.Do(ctx, http.MethodGet, listCollectionsPath, nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

const listCollectionsPath = "/api/v2/tenants/default_tenant/databases/default_database/collections"

// pressureAdapter implements wal.ResourcePressure by combining the
// resource monitor with per-instance descriptors.
type pressureAdapter struct {
	resmon      *resourcemon.Monitor
	descriptors map[instance.Name]*instance.Descriptor
}

func (p pressureAdapter) MemoryPressure() bool { return p.resmon.MemoryPressure() }

func (p pressureAdapter) SuccessRate(target string) float64 {
	if d, ok := p.descriptors[instance.Name(target)]; ok {
		return d.SuccessRate()
	}
	return 100.0
}

func (p pressureAdapter) ConsecutiveFailures(target string) int {
	if d, ok := p.descriptors[instance.Name(target)]; ok {
		return d.ConsecutiveFailures()
	}
	return 0
}

// App holds every wired component and drives their lifecycle.
type App struct {
	cfg    config.Config
	logger *logging.Logger

	store       *store.Store
	descriptors map[instance.Name]*instance.Descriptor
	monitor     *instance.Monitor
	resmon      *resourcemon.Monitor
	resolver    *mapping.Resolver
	walEngine   *wal.Engine
	txLog       *txlog.Log
	dispatcher  *dispatcher.Dispatcher
	recovery    *recovery.Coordinator
	sweeper     *retention.Sweeper
	httpServer  *httpapi.Server
	metrics     *metrics.Metrics

	server *http.Server
}

// New constructs every component from cfg but does not start any
// background loop or listener; call Start for that.
func New(cfg config.Config, logger *logging.Logger) (*App, error) {
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{DSN: cfg.DatabaseURL, GranularLocking: cfg.EnableGranularLocking})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	m := metrics.New("vectorha-proxy")

	primaryDesc := instance.NewDescriptor(instance.Primary, cfg.PrimaryURL, 1, resilience.StrictInstanceCBConfig(logger))
	replicaDesc := instance.NewDescriptor(instance.Replica, cfg.ReplicaURL, 2, resilience.LenientInstanceCBConfig(logger))
	descriptors := map[instance.Name]*instance.Descriptor{
		instance.Primary: primaryDesc,
		instance.Replica: replicaDesc,
	}

	monitor := instance.NewMonitor(logger, m, descriptors, cfg.CheckInterval, 5*time.Second)

	primaryClient := backend.New(primaryDesc, cfg.RequestTimeout, resilience.DefaultRetryConfig())
	replicaClient := backend.New(replicaDesc, cfg.RequestTimeout, resilience.DefaultRetryConfig())

	mappingBackends := map[string]mapping.BackendLister{
		string(instance.Primary): backendLister{client: primaryClient},
		string(instance.Replica): backendLister{client: replicaClient},
	}
	resolver := mapping.New(st.Mappings(), mappingBackends)

	walBackends := map[string]wal.Backend{
		string(instance.Primary): primaryClient,
		string(instance.Replica): replicaClient,
	}
	walEngine := wal.New(st.WAL(), resolver, walBackends, logger, m, primaryDesc.CachedHealthy, cfg.DefaultBatchSize, cfg.MaxBatchSize)

	dispatcherBackends := map[instance.Name]dispatcher.Backend{
		instance.Primary: primaryClient,
		instance.Replica: replicaClient,
	}
	disp := dispatcher.New(dispatcher.Config{
		MaxConcurrent:     cfg.MaxConcurrentRequests,
		QueueSize:         cfg.RequestQueueSize,
		ReadReplicaRatio:  cfg.ReadReplicaRatio,
		ConsistencyWindow: cfg.ConsistencyWindow,
		RequestTimeout:    cfg.RequestTimeout,
	}, primaryDesc, replicaDesc, dispatcherBackends, resolver, walEngine, logger, m)

	txLog := txlog.New(st.TxLog(), logger, disp, 5, 30*time.Second)

	resmon, err := resourcemon.New(logger, m, cfg.MaxMemoryMB, 10*time.Second)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init resource monitor: %w", err)
	}

	recoveryCoordinator := recovery.New(st.WAL(), st.Mappings(), logger)
	monitor.OnRecovered(func(ctx context.Context, name instance.Name) {
		source := recoverySourceAdapter{
			lister: mappingBackends[string(otherSide(name))],
			target: backendFor(name, primaryClient, replicaClient),
		}
		recoveryCoordinator.Recover(ctx, string(name), source, nil)
	})

	sweeper := retention.New(st, retention.Config{
		WALRetention:   cfg.WALRetention,
		TxLogRetention: cfg.TxLogRetention,
		Schedule:       retention.DefaultConfig().Schedule,
	}, logger)

	accessLogger := httpaccess.New(nil, cfg.LogLevel)

	httpServer := httpapi.New(httpapi.Config{
		ServiceName:    "vectorha-proxy",
		Version:        "1.0.0",
		BodyLimitBytes: 64 * 1024 * 1024,
		RequestTimeout: cfg.RequestTimeout,
		AdminTokens:    cfg.AdminTokens,
	}, disp, primaryDesc, replicaDesc, st.WAL(), logger, m, accessLogger, st, disp, walEngine, resmon)

	return &App{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		descriptors: descriptors,
		monitor:     monitor,
		resmon:      resmon,
		resolver:    resolver,
		walEngine:   walEngine,
		txLog:       txLog,
		dispatcher:  disp,
		recovery:    recoveryCoordinator,
		sweeper:     sweeper,
		httpServer:  httpServer,
		metrics:     m,
	}, nil
}

func otherSide(name instance.Name) instance.Name {
	if name == instance.Primary {
		return instance.Replica
	}
	return instance.Primary
}

func backendFor(name instance.Name, primary, replica *backend.Client) *backend.Client {
	if name == instance.Primary {
		return primary
	}
	return replica
}

// recoverySourceAdapter bridges the mapping.BackendLister seam to
// recovery.BackendGetOrCreate for the reconciliation step: fetch a
// collection's metadata from the healthy side, recreate it on target.
type recoverySourceAdapter struct {
	lister mapping.BackendLister
	target *backend.Client
}

func (r recoverySourceAdapter) FetchMetadata(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	body, err := r.lister.ListCollections(ctx)
	if err != nil {
		return nil, false, err
	}
	found, metadata := findCollectionMetadata(body, name)
	return metadata, found, nil
}

func (r recoverySourceAdapter) GetOrCreate(ctx context.Context, name string, metadata map[string]interface{}) (string, error) {
	payload := buildCreatePayload(name, metadata)
	resp, err := r.target.Do(ctx, http.MethodPost, listCollectionsPath, payload, nil)
	if err != nil {
		return "", err
	}
	uuid, _ := backend.ResponseField(resp.Body, "id")
	return uuid, nil
}

// Start begins all background loops and the HTTP listener. It blocks
// until ctx is cancelled, then performs a graceful shutdown.
func (a *App) Start(ctx context.Context) error {
	go a.monitor.Run(ctx)
	go a.resmon.Run(ctx)
	go a.txLog.RunRecoveryLoop(ctx)
	go a.walEngine.RunSyncLoop(ctx, wal.DefaultSyncLoopConfig(), pressureAdapter{resmon: a.resmon, descriptors: a.descriptors}, []string{string(instance.Primary), string(instance.Replica)})

	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}

	a.httpServer.SetReady(true)
	a.server = &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	a.logger.WithFields(map[string]interface{}{"addr": a.cfg.ListenAddr}).Info("http listener starting")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		return err
	}
}

func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.sweeper.Stop()
	a.monitor.Stop()
	if a.server != nil {
		_ = a.server.Shutdown(shutdownCtx)
	}
	return a.store.Close()
}

func findCollectionMetadata(body []byte, name string) (bool, map[string]interface{}) {
	var entries []map[string]interface{}
	if err := json.Unmarshal(body, &entries); err != nil {
		return false, nil
	}
	for _, e := range entries {
		if e["name"] == name {
			return true, e
		}
	}
	return false, nil
}

func buildCreatePayload(name string, metadata map[string]interface{}) []byte {
	payload := map[string]interface{}{"name": name, "get_or_create": true}
	if metadata != nil {
		if md, ok := metadata["metadata"]; ok {
			payload["metadata"] = md
		}
	}
	body, _ := json.Marshal(payload)
	return body
}
