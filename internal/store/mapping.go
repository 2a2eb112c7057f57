package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Mapping mirrors the collection_mappings table (§3).
type Mapping struct {
	Name        string         `db:"name"`
	PrimaryUUID sql.NullString `db:"primary_uuid"`
	ReplicaUUID sql.NullString `db:"replica_uuid"`
	Created     time.Time      `db:"created"`
	Updated     time.Time      `db:"updated"`
}

// MappingRepo persists and queries collection name/UUID mappings.
type MappingRepo struct {
	store *Store
}

// Mappings returns the mapping repository bound to s.
func (s *Store) Mappings() *MappingRepo { return &MappingRepo{store: s} }

// ByName fetches the mapping row for name, if any.
func (r *MappingRepo) ByName(ctx context.Context, name string) (*Mapping, error) {
	const q = `SELECT * FROM collection_mappings WHERE name = $1`
	var m Mapping
	err := r.store.withDomainConn(r.store.mappingLock(), ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &m, q, name)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ByUUID fetches the mapping row where either UUID column equals uuid.
func (r *MappingRepo) ByUUID(ctx context.Context, uuid string) (*Mapping, error) {
	const q = `SELECT * FROM collection_mappings WHERE primary_uuid = $1 OR replica_uuid = $1`
	var m Mapping
	err := r.store.withDomainConn(r.store.mappingLock(), ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &m, q, uuid)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Upsert inserts or merges a mapping row, preserving the previously known
// non-null side of the UUID pair not supplied by this call (COALESCE
// semantics per §4.B `create_complete_mapping`).
func (r *MappingRepo) Upsert(ctx context.Context, name string, primaryUUID, replicaUUID *string) error {
	const q = `
		INSERT INTO collection_mappings (name, primary_uuid, replica_uuid, created, updated)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			primary_uuid = COALESCE(EXCLUDED.primary_uuid, collection_mappings.primary_uuid),
			replica_uuid = COALESCE(EXCLUDED.replica_uuid, collection_mappings.replica_uuid),
			updated = now()`
	return r.store.withDomainConn(r.store.mappingLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, name, nullableString(primaryUUID), nullableString(replicaUUID))
		return err
	})
}

func nullableString(v *string) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// ClearSide clears instance's UUID column for name, deleting the row
// entirely once both sides are null (§4.B `delete_mapping_side`).
func (r *MappingRepo) ClearSide(ctx context.Context, name, instance string) error {
	col := "primary_uuid"
	if instance == "replica" {
		col = "replica_uuid"
	}
	q := `UPDATE collection_mappings SET ` + col + ` = NULL, updated = now() WHERE name = $1`
	const del = `DELETE FROM collection_mappings WHERE name = $1 AND primary_uuid IS NULL AND replica_uuid IS NULL`
	return r.store.withDomainConn(r.store.mappingLock(), ctx, func(c *sqlx.Conn) error {
		if _, err := c.ExecContext(ctx, q, name); err != nil {
			return err
		}
		_, err := c.ExecContext(ctx, del, name)
		return err
	})
}

// MissingSide lists mappings where instance's UUID is null but the other
// side is populated, used by the recovery coordinator's reconciliation
// pass (§4.G).
func (r *MappingRepo) MissingSide(ctx context.Context, instance string) ([]Mapping, error) {
	var q string
	if instance == "primary" {
		q = `SELECT * FROM collection_mappings WHERE primary_uuid IS NULL AND replica_uuid IS NOT NULL`
	} else {
		q = `SELECT * FROM collection_mappings WHERE replica_uuid IS NULL AND primary_uuid IS NOT NULL`
	}
	var mappings []Mapping
	err := r.store.withDomainConn(r.store.mappingLock(), ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &mappings, q)
	})
	if err != nil {
		return nil, err
	}
	return mappings, nil
}
