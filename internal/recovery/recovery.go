// Package recovery implements the coordinated recovery sequence run when
// an instance transitions from unhealthy to healthy: drain pending WAL
// entries, wait out a grace period, then reconcile missing collections
// (spec §4.G).
package recovery

import (
	"context"
	"time"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/store"
)

// BackendGetOrCreate fetches a collection's metadata from source and
// recreates it on target with get_or_create semantics, returning the
// newly assigned UUID on target.
type BackendGetOrCreate interface {
	FetchMetadata(ctx context.Context, name string) (metadata map[string]interface{}, found bool, err error)
	GetOrCreate(ctx context.Context, name string, metadata map[string]interface{}) (uuid string, err error)
}

// Coordinator runs the drain-buffer-reconcile sequence.
type Coordinator struct {
	wal      *store.WALRepo
	mappings *store.MappingRepo
	logger   *logging.Logger

	drainTimeout  time.Duration
	drainInterval time.Duration
	bufferDelay   time.Duration
	deleteLookback time.Duration
}

// New creates a Coordinator with the documented defaults (drain ≤120s
// polling every 5s, buffer ≈10s, 10 minute DELETE lookback).
func New(wal *store.WALRepo, mappings *store.MappingRepo, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		wal:            wal,
		mappings:       mappings,
		logger:         logger,
		drainTimeout:   120 * time.Second,
		drainInterval:  5 * time.Second,
		bufferDelay:    10 * time.Second,
		deleteLookback: 10 * time.Minute,
	}
}

// Recover runs the full sequence for recoveredInstance against sources,
// a lookup of the other instance's backend used to fetch metadata and
// recreate missing collections.
func (c *Coordinator) Recover(ctx context.Context, recoveredInstance string, source BackendGetOrCreate, recentWALEntries func(ctx context.Context, collectionName string, within time.Duration) (hasDelete bool, err error)) {
	c.logger.WithFields(map[string]interface{}{"instance": recoveredInstance}).Info("starting coordinated recovery")

	if err := c.drainWAL(ctx, recoveredInstance); err != nil {
		c.logger.WithFields(map[string]interface{}{"instance": recoveredInstance, "error": err}).Warn("wal drain wait did not fully converge")
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.bufferDelay):
	}

	c.reconcile(ctx, recoveredInstance, source, recentWALEntries)
}

// drainWAL polls the pending+retry-eligible count for recoveredInstance,
// returning once it reaches zero or the bounded wait elapses.
func (c *Coordinator) drainWAL(ctx context.Context, recoveredInstance string) error {
	deadline := time.Now().Add(c.drainTimeout)
	for time.Now().Before(deadline) {
		count, err := c.wal.CountPendingForInstance(ctx, recoveredInstance)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.drainInterval):
		}
	}
	return nil
}

// reconcile recreates collections on recoveredInstance whose mapping is
// missing that side, skipping names with a recent DELETE in the WAL to
// avoid resurrecting an intentionally destroyed collection.
func (c *Coordinator) reconcile(ctx context.Context, recoveredInstance string, source BackendGetOrCreate, recentWALEntries func(ctx context.Context, collectionName string, within time.Duration) (bool, error)) {
	missing, err := c.mappings.MissingSide(ctx, recoveredInstance)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{"instance": recoveredInstance, "error": err}).Error("reconciliation lookup failed")
		return
	}

	for _, m := range missing {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.reconcileOne(ctx, recoveredInstance, m.Name, source, recentWALEntries)
	}
}

func (c *Coordinator) reconcileOne(ctx context.Context, recoveredInstance, name string, source BackendGetOrCreate, recentWALEntries func(ctx context.Context, collectionName string, within time.Duration) (bool, error)) {
	if recentWALEntries != nil {
		hasRecentDelete, err := recentWALEntries(ctx, name, c.deleteLookback)
		if err == nil && hasRecentDelete {
			return
		}
	}

	metadata, found, err := source.FetchMetadata(ctx, name)
	if err != nil || !found {
		return
	}

	uuid, err := source.GetOrCreate(ctx, name, metadata)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{"collection": name, "instance": recoveredInstance, "error": err}).Warn("reconciliation recreate failed")
		return
	}

	var primaryUUID, replicaUUID *string
	if recoveredInstance == "primary" {
		primaryUUID = &uuid
	} else {
		replicaUUID = &uuid
	}
	if err := c.mappings.Upsert(ctx, name, primaryUUID, replicaUUID); err != nil {
		c.logger.WithFields(map[string]interface{}{"collection": name, "error": err}).Warn("reconciliation mapping upsert failed")
	}
}
