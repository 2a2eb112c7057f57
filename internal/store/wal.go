package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// WAL entry status values (§3).
const (
	WALStatusPending  = "pending"
	WALStatusExecuted = "executed"
	WALStatusSynced   = "synced"
	WALStatusFailed   = "failed"
	WALStatusAbandoned = "abandoned"
	WALStatusObsolete = "obsolete"
)

// WALEntry mirrors the wal_writes table.
type WALEntry struct {
	WriteID         string     `db:"write_id"`
	Method          string     `db:"method"`
	Path            string     `db:"path"`
	Body            []byte     `db:"body"`
	Headers         JSONMap    `db:"headers"`
	TargetInstance  string     `db:"target_instance"`
	Status          string     `db:"status"`
	SyncedInstances JSONList   `db:"synced_instances"`
	CollectionID    string     `db:"collection_id"`
	ExecutedOn      string     `db:"executed_on"`
	RetryCount      int        `db:"retry_count"`
	Priority        int        `db:"priority"`
	ErrorMessage    string     `db:"error_message"`
	OriginalBody    []byte     `db:"original_body"`
	ConversionType  string     `db:"conversion_type"`
	DataSizeBytes   int        `db:"data_size_bytes"`
	Created         time.Time  `db:"created"`
	Executed        *time.Time `db:"executed"`
	Synced          *time.Time `db:"synced"`
	Updated         time.Time  `db:"updated"`
	NextRetryAt     *time.Time `db:"next_retry_at"`
}

// JSONMap/JSONList are sqlx-scannable wrappers around JSONB columns.
type JSONMap map[string][]string

func (m JSONMap) Value() (interface{}, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("unsupported scan type %T for JSONMap", src)
		}
	}
	return json.Unmarshal(b, m)
}

type JSONList []string

func (l JSONList) Value() (interface{}, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *JSONList) Scan(src interface{}) error {
	if src == nil {
		*l = JSONList{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		if s, ok := src.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("unsupported scan type %T for JSONList", src)
		}
	}
	return json.Unmarshal(b, (*[]string)(l))
}

// WALRepo persists and queries WAL entries.
type WALRepo struct {
	store *Store
}

// WAL returns the WAL entry repository bound to s.
func (s *Store) WAL() *WALRepo { return &WALRepo{store: s} }

// Insert persists a new WAL entry.
func (r *WALRepo) Insert(ctx context.Context, e *WALEntry) error {
	const q = `
		INSERT INTO wal_writes (
			write_id, method, path, body, headers, target_instance, status,
			synced_instances, collection_id, executed_on, retry_count, priority,
			error_message, original_body, conversion_type, data_size_bytes,
			created, executed, synced, updated, next_retry_at
		) VALUES (
			:write_id, :method, :path, :body, :headers, :target_instance, :status,
			:synced_instances, :collection_id, :executed_on, :retry_count, :priority,
			:error_message, :original_body, :conversion_type, :data_size_bytes,
			:created, :executed, :synced, :updated, :next_retry_at
		)`
	return r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.NamedExecContext(ctx, q, e)
		return err
	})
}

// NextBatches selects entries pending sync to target, chronological-then-
// priority ordered, up to limit rows (§4.D "Selection for sync").
func (r *WALRepo) NextBatches(ctx context.Context, target string, limit int) ([]WALEntry, error) {
	const q = `
		SELECT * FROM wal_writes
		WHERE status IN ('executed', 'failed')
		  AND retry_count < 3
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		  AND (
		        (target_instance = $1 AND (executed_on IS DISTINCT FROM $1))
		     OR (target_instance = 'both' AND NOT (synced_instances ? $1))
		  )
		ORDER BY created ASC, priority DESC
		LIMIT $2`
	var entries []WALEntry
	err := r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &entries, q, target, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("select wal batch: %w", err)
	}
	return entries, nil
}

// MarkSynced appends instance to synced_instances, transitioning to
// synced once the entry's fan-out is complete.
func (r *WALRepo) MarkSynced(ctx context.Context, writeID, instance, targetInstance string, syncedInstances []string) error {
	status := WALStatusSynced
	if targetInstance == "both" {
		complete := false
		seenPrimary, seenReplica := false, false
		for _, s := range append(append([]string{}, syncedInstances...), instance) {
			if s == "primary" {
				seenPrimary = true
			}
			if s == "replica" {
				seenReplica = true
			}
		}
		complete = seenPrimary && seenReplica
		if !complete {
			status = WALStatusExecuted
		}
	}

	merged := append([]string{}, syncedInstances...)
	merged = appendUnique(merged, instance)

	const q = `
		UPDATE wal_writes
		SET status = $2, synced_instances = $3, synced = CASE WHEN $2 = 'synced' THEN now() ELSE synced END, updated = now()
		WHERE write_id = $1`
	return r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, writeID, status, JSONList(merged))
		return err
	})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// MarkFailed increments retry_count, records the error, and schedules the
// next retry time.
func (r *WALRepo) MarkFailed(ctx context.Context, writeID, errMsg string, nextRetryAt time.Time) error {
	const q = `
		UPDATE wal_writes
		SET status = 'failed', retry_count = retry_count + 1, error_message = $2,
		    next_retry_at = $3, updated = now()
		WHERE write_id = $1`
	return r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, writeID, errMsg, nextRetryAt)
		return err
	})
}

// MarkObsolete transitions every still-pending/executed/failed entry for
// collectionID (created before the given time) to obsolete (§4.D step 7).
func (r *WALRepo) MarkObsolete(ctx context.Context, collectionID string, before time.Time, reason string) error {
	const q = `
		UPDATE wal_writes
		SET status = 'obsolete', error_message = $3, updated = now()
		WHERE collection_id = $1 AND created < $2
		  AND status IN ('pending', 'executed', 'failed')`
	return r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, collectionID, before, reason)
		return err
	})
}

// CountPendingForInstance reports entries still awaiting sync to instance,
// used by the recovery coordinator's drain wait (§4.G).
func (r *WALRepo) CountPendingForInstance(ctx context.Context, instance string) (int, error) {
	const q = `
		SELECT count(*) FROM wal_writes
		WHERE status IN ('pending', 'executed', 'failed')
		  AND (
		        (target_instance = $1 AND executed_on IS DISTINCT FROM $1)
		     OR (target_instance = 'both' AND NOT (synced_instances ? $1))
		  )`
	var n int
	err := r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &n, q, instance)
	})
	return n, err
}

// DeleteRetentionEligible purges terminal entries older than horizon.
func (r *WALRepo) DeleteRetentionEligible(ctx context.Context, horizon time.Time) (int64, error) {
	const q = `
		DELETE FROM wal_writes
		WHERE status IN ('synced', 'abandoned', 'obsolete') AND updated < $1`
	var rows int64
	err := r.store.withDomainConn(r.store.walLock(), ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, q, horizon)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	return rows, err
}
