package dispatcher

import (
	"context"
	"net/http"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/wal"
)

// handleCollectionCreate implements the distributed CREATE fan-out:
// forward to the selected instance, then replay onto the other instance
// when both are healthy; otherwise append a WAL entry so the missing
// side converges on recovery (§4.E).
func (d *Dispatcher) handleCollectionCreate(ctx context.Context, path string, body []byte, headers http.Header) (*Result, error) {
	name, _ := backend.ResponseField(body, "name")
	lock := d.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	selected, ok := d.selectForWrite(ctx)
	if !ok {
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"no healthy backend instance available"}`)}, nil
	}

	be := d.backends[selected]
	resp, err := be.Do(ctx, http.MethodPost, path, body, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
	}

	selectedUUID, _ := backend.ResponseField(resp.Body, "id")
	other := otherInstance(selected)

	if !d.descriptor(other).CachedHealthy() {
		if name != "" && d.walEng != nil {
			if _, err := d.walEng.Append(ctx, wal.AppendInput{
				Method:         http.MethodPost,
				Path:           path,
				Body:           body,
				Headers:        headers,
				TargetInstance: string(other),
			}); err != nil {
				d.logger.WithFields(map[string]interface{}{"error": err}).Error("wal append for deferred collection create failed")
			}
		}
		d.upsertMapping(ctx, name, selected, selectedUUID)
		return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
	}

	otherBe := d.backends[other]
	otherResp, err := otherBe.Do(ctx, http.MethodPost, path, body, headers)
	if err == nil && (otherResp.StatusCode < 300 || otherResp.StatusCode == http.StatusConflict) {
		otherUUID, _ := backend.ResponseField(otherResp.Body, "id")
		d.upsertBothMapping(ctx, name, selected, selectedUUID, other, otherUUID)
	} else {
		d.upsertMapping(ctx, name, selected, selectedUUID)
	}

	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
}

// handleCollectionDelete implements the distributed DELETE fan-out
// (§4.E).
func (d *Dispatcher) handleCollectionDelete(ctx context.Context, path string, body []byte, headers http.Header) (*Result, error) {
	name, _ := backend.ExtractCollectionID(path)
	lock := d.collectionLock(name)
	lock.Lock()
	defer lock.Unlock()

	selected, ok := d.selectForWrite(ctx)
	if !ok {
		return &Result{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"no healthy backend instance available"}`)}, nil
	}

	be := d.backends[selected]
	resp, err := be.Do(ctx, http.MethodDelete, path, nil, headers)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
	}

	other := otherInstance(selected)
	if !d.descriptor(other).CachedHealthy() {
		if d.walEng != nil {
			if _, err := d.walEng.Append(ctx, wal.AppendInput{
				Method:         http.MethodDelete,
				Path:           path,
				Headers:        headers,
				TargetInstance: "both",
			}); err != nil {
				d.logger.WithFields(map[string]interface{}{"error": err}).Error("wal append for deferred collection delete failed")
			}
		}
		_ = d.resolver.DeleteMappingSide(ctx, name, string(selected))
		return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
	}

	otherBe := d.backends[other]
	otherResp, err := otherBe.Do(ctx, http.MethodDelete, path, nil, headers)
	if err == nil && (otherResp.StatusCode == http.StatusOK || otherResp.StatusCode == http.StatusNoContent || otherResp.StatusCode == http.StatusNotFound) {
		_ = d.resolver.DeleteMappingSide(ctx, name, string(selected))
		_ = d.resolver.DeleteMappingSide(ctx, name, string(other))
	} else {
		_ = d.resolver.DeleteMappingSide(ctx, name, string(selected))
	}

	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, Header: resp.Header}, nil
}

func (d *Dispatcher) upsertMapping(ctx context.Context, name string, target instance.Name, uuid string) {
	if name == "" || uuid == "" {
		return
	}
	var primaryUUID, replicaUUID *string
	if target == instance.Primary {
		primaryUUID = &uuid
	} else {
		replicaUUID = &uuid
	}
	if err := d.resolver.CreateCompleteMapping(ctx, name, primaryUUID, replicaUUID); err != nil {
		d.logger.WithFields(map[string]interface{}{"collection": name, "error": err}).Warn("mapping upsert failed")
	}
}

func (d *Dispatcher) upsertBothMapping(ctx context.Context, name string, a instance.Name, aUUID string, b instance.Name, bUUID string) {
	if name == "" {
		return
	}
	var primaryUUID, replicaUUID *string
	assign := func(n instance.Name, uuid string) {
		if uuid == "" {
			return
		}
		if n == instance.Primary {
			primaryUUID = &uuid
		} else {
			replicaUUID = &uuid
		}
	}
	assign(a, aUUID)
	assign(b, bUUID)
	if err := d.resolver.CreateCompleteMapping(ctx, name, primaryUUID, replicaUUID); err != nil {
		d.logger.WithFields(map[string]interface{}{"collection": name, "error": err}).Warn("mapping upsert failed")
	}
}
