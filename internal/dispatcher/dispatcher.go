// Package dispatcher implements the request dispatcher: admission
// control, health-aware instance selection, consistency-window pinning,
// and distributed collection CREATE/DELETE fan-out (spec §4.E).
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/mapping"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/wal"
)

// Backend is the narrowed client surface the dispatcher issues requests
// through.
type Backend interface {
	Do(ctx context.Context, method, path string, body []byte, headers http.Header) (*backend.Response, error)
}

// WALAppender is the subset of wal.Engine the dispatcher needs to append
// writes that require replication.
type WALAppender interface {
	Append(ctx context.Context, in wal.AppendInput) (string, error)
}

// Dispatcher routes inbound requests to one of two backend instances,
// appending WAL entries for writes that need replication.
type Dispatcher struct {
	admission *Admission
	recent    *recentWrites

	primary *instance.Descriptor
	replica *instance.Descriptor

	backends map[instance.Name]Backend
	resolver *mapping.Resolver
	walEng   WALAppender

	probeClient *http.Client

	readReplicaRatio  float64
	consistencyWindow time.Duration
	requestTimeout    time.Duration

	logger  *logging.Logger
	metrics *metrics.Metrics

	fanoutMu  sync.Mutex
	fanoutLoc map[string]*sync.Mutex
}

// Config configures dispatcher behavior beyond the instance descriptors
// themselves.
type Config struct {
	MaxConcurrent     int
	QueueSize         int
	ReadReplicaRatio  float64
	ConsistencyWindow time.Duration
	RequestTimeout    time.Duration
}

// New creates a Dispatcher wired to both backend instances.
func New(cfg Config, primary, replica *instance.Descriptor, backends map[instance.Name]Backend, resolver *mapping.Resolver, walEng WALAppender, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	ratio := cfg.ReadReplicaRatio
	if ratio <= 0 {
		ratio = defaultReadReplicaRatio
	}
	window := cfg.ConsistencyWindow
	if window <= 0 {
		window = defaultConsistencyWindow
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		admission:         NewAdmission(cfg.MaxConcurrent, cfg.QueueSize),
		recent:            newRecentWrites(),
		primary:           primary,
		replica:           replica,
		backends:          backends,
		resolver:          resolver,
		walEng:            walEng,
		probeClient:       &http.Client{Timeout: 5 * time.Second},
		readReplicaRatio:  ratio,
		consistencyWindow: window,
		requestTimeout:    timeout,
		logger:            logger,
		metrics:           m,
		fanoutLoc:         make(map[string]*sync.Mutex),
	}
}

// Result is what Handle returns to the HTTP front end.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Handle admits, routes, and forwards one inbound request, implementing
// the full dispatcher algorithm from §4.E.
func (d *Dispatcher) Handle(ctx context.Context, method, path string, body []byte, headers http.Header) (*Result, error) {
	release, err := d.admission.Acquire(ctx, d.requestTimeout)
	if err != nil {
		return d.admissionErrorResult(err), nil
	}
	defer release()

	normalizedPath := backend.NormalizePath(path)

	if isCollectionCreate(method, normalizedPath) {
		return d.handleCollectionCreate(ctx, normalizedPath, body, headers)
	}
	if isCollectionDelete(method, normalizedPath) {
		return d.handleCollectionDelete(ctx, normalizedPath, body, headers)
	}

	target, ok := d.selectInstance(ctx, method, normalizedPath)
	if !ok {
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"no healthy backend instance available"}`)}, nil
	}

	resolvedPath, err := d.substituteUUID(ctx, normalizedPath, target)
	if err != nil {
		return &Result{StatusCode: http.StatusNotFound, Body: []byte(`{"error":"collection not found"}`)}, nil
	}

	be := d.backends[target]
	resp, err := be.Do(ctx, method, resolvedPath, body, headers)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}

	if isWriteMethod(method) {
		d.afterWrite(ctx, method, normalizedPath, body, headers, target, resp)
	}

	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
}

// AdmissionStats reports the admission controller's rejection counters,
// surfaced by the admin status endpoints.
type AdmissionStats struct {
	TimeoutRequests     int64
	QueueFullRejections int64
	QueueDepth          int
}

// AdmissionStats returns the current admission controller counters.
func (d *Dispatcher) AdmissionStats() AdmissionStats {
	return AdmissionStats{
		TimeoutRequests:     d.admission.TimeoutRequests(),
		QueueFullRejections: d.admission.QueueFullRejections(),
		QueueDepth:          d.admission.QueueDepth(),
	}
}

// Dispatch adapts Handle to txlog.Dispatcher for the recovery loop.
func (d *Dispatcher) Dispatch(ctx context.Context, method, path string, body []byte, headers http.Header, originalTransactionID string) (int, []byte, error) {
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set("X-Original-Transaction-ID", originalTransactionID)
	res, err := d.Handle(ctx, method, path, body, headers)
	if err != nil {
		return 0, nil, err
	}
	return res.StatusCode, res.Body, nil
}

func (d *Dispatcher) admissionErrorResult(err error) *Result {
	switch err.(type) {
	case ErrQueueFull:
		if d.metrics != nil {
			d.metrics.RecordAdmissionRejected("queue_full")
		}
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"queue full, retry later"}`)}
	default:
		if d.metrics != nil {
			d.metrics.RecordAdmissionRejected("timeout")
		}
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"admission timed out, retry later"}`)}
	}
}

func (d *Dispatcher) selectInstance(ctx context.Context, method, path string) (instance.Name, bool) {
	collectionID, _ := backend.ExtractCollectionID(path)
	if collectionID != "" {
		if pinned, ok := d.recent.Lookup(collectionID); ok {
			return instance.Name(pinned), true
		}
	}

	if isWriteMethod(method) && !isReadOperation(method, path) {
		return d.selectForWrite(ctx)
	}
	return d.selectForRead(ctx, d.readReplicaRatio)
}

func (d *Dispatcher) substituteUUID(ctx context.Context, path string, target instance.Name) (string, error) {
	name, ok := backend.ExtractCollectionID(path)
	if !ok || isCollectionRootPath(path) {
		return path, nil
	}
	if looksLikeUUID(name) {
		return path, nil
	}

	uuid, err := d.resolver.ResolveNameToUUID(ctx, name, string(target))
	if err != nil || uuid == "" {
		return "", fmt.Errorf("unresolved collection %q on %s", name, target)
	}
	return substitutePathSegment(path, name, uuid), nil
}

func looksLikeUUID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

func substitutePathSegment(path, oldSeg, newSeg string) string {
	return strings.Replace(path, "/"+oldSeg, "/"+newSeg, 1)
}

func isCollectionRootPath(path string) bool {
	idx := strings.LastIndex(path, "/collections/")
	if idx == -1 {
		return false
	}
	rest := path[idx+len("/collections/"):]
	return !strings.Contains(rest, "/")
}

func isCollectionCreate(method, path string) bool {
	return method == http.MethodPost && strings.HasSuffix(path, "/collections")
}

func isCollectionDelete(method, path string) bool {
	if method != http.MethodDelete {
		return false
	}
	return isCollectionRootPath(path)
}

func (d *Dispatcher) afterWrite(ctx context.Context, method, path string, body []byte, headers http.Header, target instance.Name, resp *backend.Response) {
	collectionID, _ := backend.ExtractCollectionID(path)
	if collectionID != "" {
		d.recent.Pin(collectionID, string(target), d.consistencyWindow)
	}

	if !requiresReplication(method, path) {
		return
	}

	other := otherInstance(target)
	executedOn := string(target)

	targetInstance := string(other)
	if !d.descriptor(other).CachedHealthy() {
		targetInstance = "both"
		executedOn = ""
	}

	if d.walEng == nil {
		return
	}
	if _, err := d.walEng.Append(ctx, wal.AppendInput{
		Method:         method,
		Path:           path,
		Body:           body,
		Headers:        headers,
		TargetInstance: targetInstance,
		ExecutedOn:     executedOn,
	}); err != nil {
		d.logger.WithFields(map[string]interface{}{"error": err}).Error("wal append after write failed")
	}
}

func requiresReplication(method, path string) bool {
	if isReadOperation(method, path) {
		return false
	}
	return isWriteMethod(method)
}

func otherInstance(name instance.Name) instance.Name {
	if name == instance.Primary {
		return instance.Replica
	}
	return instance.Primary
}

// collectionLock returns the per-collection-name fan-out serialization
// lock, creating it on first use (§5 "must not interleave").
func (d *Dispatcher) collectionLock(name string) *sync.Mutex {
	d.fanoutMu.Lock()
	defer d.fanoutMu.Unlock()
	lock, ok := d.fanoutLoc[name]
	if !ok {
		lock = &sync.Mutex{}
		d.fanoutLoc[name] = lock
	}
	return lock
}
