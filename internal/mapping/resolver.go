// Package mapping resolves client-visible collection names to per-instance
// UUIDs and repairs incomplete mappings via direct-instance queries (spec
// §4.B).
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vectorha/proxy/internal/store"
)

// BackendLister fetches the raw GET /collections body for an instance;
// satisfied by backend.Client.Do without introducing an import cycle.
type BackendLister interface {
	ListCollections(ctx context.Context) ([]byte, error)
}

// Resolver never fabricates a UUID: it only reports what the mapping store
// or an authoritative instance listing has observed.
type Resolver struct {
	repo     *store.MappingRepo
	backends map[string]BackendLister
}

// New creates a Resolver backed by repo, with one BackendLister per
// instance name ("primary", "replica").
func New(repo *store.MappingRepo, backends map[string]BackendLister) *Resolver {
	return &Resolver{repo: repo, backends: backends}
}

type collectionListEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ResolveNameToUUID consults the mapping row for name; on miss it queries
// the instance's collection listing directly, repairs the mapping, and
// returns the discovered UUID.
func (r *Resolver) ResolveNameToUUID(ctx context.Context, name, instance string) (string, error) {
	m, err := r.repo.ByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("lookup mapping for %q: %w", name, err)
	}
	if m != nil {
		if uuid, ok := sideUUID(m, instance); ok {
			return uuid, nil
		}
	}

	uuid, err := r.discoverUUID(ctx, name, instance)
	if err != nil {
		return "", err
	}
	if uuid == "" {
		return "", nil
	}

	if err := r.upsertSide(ctx, name, instance, uuid); err != nil {
		return "", fmt.Errorf("repair mapping for %q: %w", name, err)
	}
	return uuid, nil
}

// ResolveBySourceUUID finds the mapping row where either UUID column
// equals sourceUUID and returns targetInstance's UUID. A nil result means
// the collection has not yet replicated to targetInstance; callers must
// defer or synthesize rather than treat it as an error.
func (r *Resolver) ResolveBySourceUUID(ctx context.Context, sourceUUID, targetInstance string) (string, error) {
	m, err := r.repo.ByUUID(ctx, sourceUUID)
	if err != nil {
		return "", fmt.Errorf("lookup mapping by uuid %q: %w", sourceUUID, err)
	}
	if m == nil {
		return "", nil
	}
	uuid, _ := sideUUID(m, targetInstance)
	return uuid, nil
}

// CreateCompleteMapping upserts a mapping row for name, preserving the
// previously-known non-null side of whichever UUID is omitted.
func (r *Resolver) CreateCompleteMapping(ctx context.Context, name string, primaryUUID, replicaUUID *string) error {
	return r.repo.Upsert(ctx, name, primaryUUID, replicaUUID)
}

// DeleteMappingSide clears instance's UUID for name, deleting the row
// entirely once both sides are null.
func (r *Resolver) DeleteMappingSide(ctx context.Context, name, instance string) error {
	return r.repo.ClearSide(ctx, name, instance)
}

func sideUUID(m *store.Mapping, instance string) (string, bool) {
	if instance == "replica" {
		if m.ReplicaUUID.Valid {
			return m.ReplicaUUID.String, true
		}
		return "", false
	}
	if m.PrimaryUUID.Valid {
		return m.PrimaryUUID.String, true
	}
	return "", false
}

func (r *Resolver) upsertSide(ctx context.Context, name, instance, uuid string) error {
	if instance == "replica" {
		return r.repo.Upsert(ctx, name, nil, &uuid)
	}
	return r.repo.Upsert(ctx, name, &uuid, nil)
}

func (r *Resolver) discoverUUID(ctx context.Context, name, instance string) (string, error) {
	lister, ok := r.backends[instance]
	if !ok {
		return "", fmt.Errorf("no backend lister registered for instance %q", instance)
	}
	body, err := lister.ListCollections(ctx)
	if err != nil {
		return "", fmt.Errorf("list collections on %s: %w", instance, err)
	}

	var entries []collectionListEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", fmt.Errorf("decode collection listing from %s: %w", instance, err)
	}
	for _, e := range entries {
		if e.Name == name {
			return e.ID, nil
		}
	}
	return "", nil
}

// HTTPStatusNotFound is surfaced by callers translating an unresolvable
// mapping into a client-facing response, per spec §4.E path handling.
const HTTPStatusNotFound = http.StatusNotFound
