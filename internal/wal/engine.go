// Package wal implements the write-ahead log engine: append with deletion
// conversion, chronological-then-priority batch selection, and the replay
// state machine that converges writes onto both backend instances (spec
// §4.D).
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/mapping"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/store"
)

// maxBatchBytes bounds the in-memory size of one replay batch (§4.D
// "Selection for sync").
const maxBatchBytes = 30 * 1024 * 1024

// Backend is the subset of backend.Client the engine depends on, narrowed
// so tests can substitute a fake.
type Backend interface {
	Do(ctx context.Context, method, path string, body []byte, headers http.Header) (*backend.Response, error)
}

// Engine drives WAL append and replay for the two-instance cluster.
type Engine struct {
	repo     *store.WALRepo
	resolver *mapping.Resolver
	backends map[string]Backend
	logger   *logging.Logger
	metrics  *metrics.Metrics

	primaryHealthy func() bool
	defaultBatch   int
	maxBatch       int

	syncCycles              atomic.Int64
	batchesProcessed         atomic.Int64
	adaptiveBatchReductions  atomic.Int64
}

// New creates an Engine. primaryHealthy reports live primary health for
// backoff-base selection (§4.D retry policy).
func New(repo *store.WALRepo, resolver *mapping.Resolver, backends map[string]Backend, logger *logging.Logger, m *metrics.Metrics, primaryHealthy func() bool, defaultBatch, maxBatch int) *Engine {
	if defaultBatch <= 0 {
		defaultBatch = 50
	}
	if maxBatch <= 0 {
		maxBatch = 200
	}
	return &Engine{
		repo:           repo,
		resolver:       resolver,
		backends:       backends,
		logger:         logger,
		metrics:        m,
		primaryHealthy: primaryHealthy,
		defaultBatch:   defaultBatch,
		maxBatch:       maxBatch,
	}
}

// AppendInput carries the raw request data passed to Append.
type AppendInput struct {
	Method         string
	Path           string
	Body           []byte
	Headers        map[string][]string
	TargetInstance string
	ExecutedOn     string
}

// Append records a new WAL entry, applying method normalization and
// delete-payload conversion per §4.D steps 1-7.
func (e *Engine) Append(ctx context.Context, in AppendInput) (string, error) {
	writeID := uuid.NewString()

	method := in.Method
	originalBody := in.Body
	body := in.Body
	conversionType := ""

	collectionID, _ := backend.ExtractCollectionID(in.Path)
	if collectionID == "" {
		collectionID = in.Path
	}

	isDocDelete := in.Method == "POST" && strings.HasSuffix(in.Path, "/delete")
	if isDocDelete {
		method = "DELETE"
		if in.ExecutedOn != "" {
			converted, ok := e.convertDeletion(ctx, in.ExecutedOn, collectionID, in.Body)
			if ok {
				body = converted
				conversionType = "ids_to_metadata_predicate"
			}
		}
	}

	priority := 0
	if method == "DELETE" {
		priority = 1
	}

	status := store.WALStatusPending
	var executed *time.Time
	if in.ExecutedOn != "" {
		status = store.WALStatusExecuted
		now := time.Now()
		executed = &now
	}

	entry := &store.WALEntry{
		WriteID:        writeID,
		Method:         method,
		Path:           in.Path,
		Body:           body,
		Headers:        headersToJSONMap(in.Headers),
		TargetInstance: in.TargetInstance,
		Status:         status,
		CollectionID:   collectionID,
		ExecutedOn:     in.ExecutedOn,
		Priority:       priority,
		OriginalBody:   originalBody,
		ConversionType: conversionType,
		DataSizeBytes:  len(body),
		Created:        time.Now(),
		Executed:       executed,
		Updated:        time.Now(),
	}

	if err := e.repo.Insert(ctx, entry); err != nil {
		return "", fmt.Errorf("insert wal entry: %w", err)
	}
	if e.metrics != nil {
		e.metrics.WALAppendsTotal.Inc()
	}
	return writeID, nil
}

type deleteByIDs struct {
	IDs []string `json:"ids"`
}

type metadataRecord struct {
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

// convertDeletion rewrites an ids-based delete body into a metadata
// predicate delete, since ids are instance-local and do not replay onto
// the other instance (§4.D step 4).
func (e *Engine) convertDeletion(ctx context.Context, instance, collectionID string, body []byte) ([]byte, bool) {
	var req deleteByIDs
	if err := json.Unmarshal(body, &req); err != nil || len(req.IDs) == 0 {
		return nil, false
	}

	be, ok := e.backends[instance]
	if !ok {
		return nil, false
	}

	getPath := backend.NormalizePath(fmt.Sprintf("collections/%s/get", collectionID))
	getBody, _ := json.Marshal(map[string]interface{}{"ids": req.IDs, "include": []string{"metadatas"}})
	resp, err := be.Do(ctx, "POST", getPath, getBody, nil)
	if err != nil || resp.StatusCode >= 300 {
		return nil, false
	}

	docIDs := extractDocumentIDs(resp.Body)
	if len(docIDs) == 0 {
		return nil, false
	}

	var where map[string]interface{}
	if len(docIDs) == 1 {
		where = map[string]interface{}{"document_id": map[string]interface{}{"$eq": docIDs[0]}}
	} else {
		where = map[string]interface{}{"document_id": map[string]interface{}{"$in": docIDs}}
	}

	rewritten, err := json.Marshal(map[string]interface{}{"where": where})
	if err != nil {
		return nil, false
	}
	return rewritten, true
}

func extractDocumentIDs(body []byte) []string {
	var ids []string
	metadatas := struct {
		Metadatas []map[string]interface{} `json:"metadatas"`
	}{}
	if err := json.Unmarshal(body, &metadatas); err != nil {
		return ids
	}
	for _, m := range metadatas.Metadatas {
		if v, ok := m["document_id"].(string); ok && v != "" {
			ids = append(ids, v)
		}
	}
	return ids
}

func headersToJSONMap(h map[string][]string) store.JSONMap {
	if len(h) == 0 {
		return store.JSONMap{}
	}
	out := make(store.JSONMap, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func headersFromJSONMap(m store.JSONMap) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NextBatches returns WAL entries due for replay to target, adaptively
// shrinking the batch size when the target instance is unhealthy-ish or
// memory pressure demands it (§4.D "Selection for sync").
func (e *Engine) NextBatches(ctx context.Context, target string, memoryPressure bool, targetSuccessRate float64, targetConsecutiveFailures int) ([]store.WALEntry, error) {
	size := e.defaultBatch
	if memoryPressure {
		size = size / 2
		if size < 1 {
			size = 1
		}
	}
	if targetConsecutiveFailures > 0 || targetSuccessRate < 80.0 {
		quarter := e.defaultBatch / 4
		if quarter < 1 {
			quarter = 1
		}
		if size > quarter {
			size = quarter
		}
	}

	if size < e.defaultBatch {
		e.adaptiveBatchReductions.Add(1)
		if e.metrics != nil {
			e.metrics.RecordAdaptiveBatchReduction()
		}
	}

	entries, err := e.repo.NextBatches(ctx, target, size)
	if err != nil {
		return nil, err
	}

	bounded := boundByBytes(entries, maxBatchBytes)
	if len(bounded) > 0 {
		e.batchesProcessed.Add(1)
		if e.metrics != nil {
			e.metrics.RecordBatchProcessed()
		}
	}
	return bounded, nil
}

// RecordSyncCycle counts one pass of the sync loop across all targets,
// called once per RunSyncLoop iteration.
func (e *Engine) RecordSyncCycle() {
	e.syncCycles.Add(1)
	if e.metrics != nil {
		e.metrics.RecordSyncCycle()
	}
}

// Telemetry reports the WAL engine's adaptive batch-size counters,
// surfaced by /wal/status (§12).
type Telemetry struct {
	SyncCycles              int64
	BatchesProcessed        int64
	AdaptiveBatchReductions int64
}

// Telemetry returns the current counter snapshot.
func (e *Engine) Telemetry() Telemetry {
	return Telemetry{
		SyncCycles:              e.syncCycles.Load(),
		BatchesProcessed:        e.batchesProcessed.Load(),
		AdaptiveBatchReductions: e.adaptiveBatchReductions.Load(),
	}
}

func boundByBytes(entries []store.WALEntry, limit int) []store.WALEntry {
	total := 0
	for i, e := range entries {
		total += len(e.Body)
		if total > limit && i > 0 {
			return entries[:i]
		}
	}
	return entries
}
