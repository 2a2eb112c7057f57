package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/resilience"
	"github.com/vectorha/proxy/internal/store"
)

// resolveRetries bounds the mapping-resolver retry budget within a single
// replay attempt (§4.D step 2).
const resolveRetries = 3

// ReplayBatch replays entries against target in chronological order,
// stopping neither on individual failures nor on an obsolete entry — each
// entry's outcome is persisted independently.
func (e *Engine) ReplayBatch(ctx context.Context, target string, entries []store.WALEntry) {
	for _, entry := range entries {
		e.replayOne(ctx, target, entry)
	}
}

func (e *Engine) replayOne(ctx context.Context, target string, entry store.WALEntry) {
	be, ok := e.backends[target]
	if !ok {
		e.logger.WithFields(map[string]interface{}{"instance": target}).Error("no backend client registered for replay target")
		return
	}

	isCollectionDelete := entry.Method == "DELETE" && !strings.Contains(entry.Path, "/delete") && looksLikeCollectionPath(entry.Path)
	isDocDelete := entry.Method == "DELETE" && strings.HasSuffix(entry.Path, "/delete")

	path := backend.NormalizePath(entry.Path)

	var resolvedPath string
	var err error
	if isCollectionDelete {
		resolvedPath = path
	} else {
		resolvedPath, err = e.resolvePathUUID(ctx, target, path, entry.CollectionID)
		if err != nil {
			e.markFailed(ctx, entry, err.Error())
			return
		}
	}

	method := entry.Method
	if isDocDelete {
		method = http.MethodPost
	}

	headers := http.Header(headersFromJSONMap(entry.Headers))

	resp, err := be.Do(ctx, method, resolvedPath, entry.Body, headers)
	if err != nil {
		e.markFailed(ctx, entry, err.Error())
		return
	}

	success := classifyResult(resp.StatusCode, entry.Method, isCollectionDelete)
	if !success {
		e.markFailed(ctx, entry, fmt.Sprintf("backend returned status %d", resp.StatusCode))
		return
	}

	if isCollectionDelete {
		if !e.verifyDeleteAbsence(ctx, target, entry.CollectionID) {
			if !e.retryDeleteAlternateAddressing(ctx, target, entry) {
				e.markFailed(ctx, entry, "collection persisted after delete, verification exhausted")
				return
			}
		}
		if err := e.resolver.DeleteMappingSide(ctx, entry.CollectionID, target); err != nil {
			e.logger.WithFields(map[string]interface{}{"collection": entry.CollectionID, "error": err}).Warn("mapping clear after delete failed")
		}
	}

	if entry.Method == http.MethodPost && looksLikeCollectionCreate(entry.Path) {
		if uuid, ok := backend.ResponseField(resp.Body, "id"); ok {
			e.upsertCreatedUUID(ctx, entry.CollectionID, target, uuid)
		}
	}

	if err := e.acknowledge(ctx, entry, target); err != nil {
		e.logger.WithFields(map[string]interface{}{"write_id": entry.WriteID, "error": err}).Error("failed to acknowledge synced wal entry")
		return
	}

	if isCollectionDelete {
		e.propagateObsolete(ctx, entry)
	}
}

func looksLikeCollectionPath(path string) bool {
	idx := strings.LastIndex(path, "/collections/")
	if idx == -1 {
		return false
	}
	rest := path[idx+len("/collections/"):]
	return !strings.Contains(rest, "/")
}

func looksLikeCollectionCreate(path string) bool {
	return strings.HasSuffix(path, "/collections")
}

func (e *Engine) resolvePathUUID(ctx context.Context, target, path, collectionID string) (string, error) {
	if collectionID == "" {
		return path, nil
	}

	var uuid string
	var lastErr error
	for attempt := 0; attempt < resolveRetries; attempt++ {
		var err error
		uuid, err = e.resolver.ResolveNameToUUID(ctx, collectionID, target)
		if err == nil && uuid != "" {
			return substituteCollectionSegment(path, uuid), nil
		}
		lastErr = err
		time.Sleep(backoffDelay(attempt))
	}

	if be, ok := e.backends[target]; ok {
		resp, err := be.Do(ctx, http.MethodGet, fmt.Sprintf("%s/collections", v2BaseFor(path)), nil, nil)
		if err == nil && resp.StatusCode == http.StatusOK {
			if discoveredUUID := findUUIDByName(resp.Body, collectionID); discoveredUUID != "" {
				_ = e.resolver.CreateCompleteMapping(ctx, collectionID, uuidPtrFor(target, discoveredUUID, true), uuidPtrFor(target, discoveredUUID, false))
				return substituteCollectionSegment(path, discoveredUUID), nil
			}
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("resolve uuid for %q on %s: %w", collectionID, target, lastErr)
	}
	return "", fmt.Errorf("resolve uuid for %q on %s: unresolved", collectionID, target)
}

func uuidPtrFor(instance, uuid string, forPrimary bool) *string {
	if (instance == "primary") != forPrimary {
		return nil
	}
	return &uuid
}

func v2BaseFor(path string) string {
	idx := strings.Index(path, "/collections")
	if idx == -1 {
		return path
	}
	return path[:idx]
}

func substituteCollectionSegment(path, uuid string) string {
	idx := strings.LastIndex(path, "/collections/")
	if idx == -1 {
		return path
	}
	prefix := path[:idx+len("/collections/")]
	rest := path[idx+len("/collections/"):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 {
		return prefix + uuid + "/" + parts[1]
	}
	return prefix + uuid
}

func findUUIDByName(body []byte, name string) string {
	var entries []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return ""
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID
		}
	}
	return ""
}

func classifyResult(status int, method string, isCollectionDelete bool) bool {
	switch {
	case status >= 200 && status < 300:
		return true
	case status == http.StatusNotFound && method == http.MethodDelete:
		return true
	case status == http.StatusConflict && method == http.MethodPost:
		return true
	default:
		return false
	}
}

func (e *Engine) verifyDeleteAbsence(ctx context.Context, target, name string) bool {
	be, ok := e.backends[target]
	if !ok {
		return true
	}
	resp, err := be.Do(ctx, http.MethodGet, backend.NormalizePath("collections"), nil, nil)
	if err != nil {
		return false
	}
	return findUUIDByName(resp.Body, name) == ""
}

func (e *Engine) retryDeleteAlternateAddressing(ctx context.Context, target string, entry store.WALEntry) bool {
	be, ok := e.backends[target]
	if !ok {
		return false
	}
	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(time.Duration(attempt+1) * time.Second)

		addressing := entry.CollectionID
		if attempt%2 == 1 {
			if uuid, err := e.resolver.ResolveNameToUUID(ctx, entry.CollectionID, target); err == nil && uuid != "" {
				addressing = uuid
			}
		}

		path := substituteCollectionSegment(backend.NormalizePath(entry.Path), addressing)
		resp, err := be.Do(ctx, http.MethodDelete, path, nil, nil)
		if err == nil && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound) {
			if e.verifyDeleteAbsence(ctx, target, entry.CollectionID) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) upsertCreatedUUID(ctx context.Context, name, instance, uuid string) {
	var primaryUUID, replicaUUID *string
	if instance == "primary" {
		primaryUUID = &uuid
	} else {
		replicaUUID = &uuid
	}
	if err := e.resolver.CreateCompleteMapping(ctx, name, primaryUUID, replicaUUID); err != nil {
		e.logger.WithFields(map[string]interface{}{"collection": name, "error": err}).Warn("mapping upsert after create failed")
	}
}

func (e *Engine) acknowledge(ctx context.Context, entry store.WALEntry, instance string) error {
	return e.repo.MarkSynced(ctx, entry.WriteID, instance, entry.TargetInstance, entry.SyncedInstances)
}

func (e *Engine) propagateObsolete(ctx context.Context, deleteEntry store.WALEntry) {
	if err := e.repo.MarkObsolete(ctx, deleteEntry.CollectionID, deleteEntry.Created, "collection deleted by a later WAL entry"); err != nil {
		e.logger.WithFields(map[string]interface{}{"collection": deleteEntry.CollectionID, "error": err}).Warn("obsolete propagation failed")
	}
}

func (e *Engine) markFailed(ctx context.Context, entry store.WALEntry, reason string) {
	primaryUp := true
	if e.primaryHealthy != nil {
		primaryUp = e.primaryHealthy()
	}
	delay := resilience.Backoff(entry.RetryCount, primaryUp)
	if err := e.repo.MarkFailed(ctx, entry.WriteID, truncate(reason, 500), time.Now().Add(delay)); err != nil {
		e.logger.WithFields(map[string]interface{}{"write_id": entry.WriteID, "error": err}).Error("failed to record wal failure")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func backoffDelay(attempt int) time.Duration {
	base := 200 * time.Millisecond
	for i := 0; i < attempt; i++ {
		base *= 2
	}
	return base
}
