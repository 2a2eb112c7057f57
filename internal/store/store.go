// Package store is the proxy's Postgres-backed persistence layer: WAL
// entries, collection mappings, and the transaction safety log, reached
// through a connection pool with explicit hit/miss accounting (§4.A).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vectorha/proxy/internal/store/migrations"
)

// Store wraps a *sqlx.DB with pool hit/miss counters and the per-domain
// locks described by §5's granular-locking setting. A "miss" is a
// connection request that found the pool at MaxOpenConns and had to wait
// or open a fresh connection; exhaustion degrades to that direct
// connection rather than blocking indefinitely, since sql.DB already
// queues internally when MaxOpenConns is reached.
type Store struct {
	DB *sqlx.DB

	hits   atomic.Int64
	misses atomic.Int64

	locks *domainLocks
}

// Config configures pool sizing and locking strategy for Open.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// GranularLocking mirrors config.Config.EnableGranularLocking: true
	// gives the WAL, mapping, transaction-log, and pool-stats domains each
	// their own mutex; false collapses all four onto one shared mutex
	// (§5 "Granular vs. single-mutex locking").
	GranularLocking bool
}

// domainLocks serializes each repository domain's access to the pool.
// Every field is non-nil once constructed via newDomainLocks; a Store
// built without Open (e.g. in tests that set Store.DB directly) has a nil
// *domainLocks, and the lock/unlock helpers below treat that as "no
// locking" rather than panicking.
type domainLocks struct {
	wal     *sync.Mutex
	mapping *sync.Mutex
	txlog   *sync.Mutex
	stats   *sync.Mutex
}

func newDomainLocks(granular bool) *domainLocks {
	if granular {
		return &domainLocks{wal: new(sync.Mutex), mapping: new(sync.Mutex), txlog: new(sync.Mutex), stats: new(sync.Mutex)}
	}
	shared := new(sync.Mutex)
	return &domainLocks{wal: shared, mapping: shared, txlog: shared, stats: shared}
}

func (s *Store) walLock() *sync.Mutex {
	if s.locks == nil {
		return nil
	}
	return s.locks.wal
}

func (s *Store) mappingLock() *sync.Mutex {
	if s.locks == nil {
		return nil
	}
	return s.locks.mapping
}

func (s *Store) txlogLock() *sync.Mutex {
	if s.locks == nil {
		return nil
	}
	return s.locks.txlog
}

func (s *Store) statsLock() *sync.Mutex {
	if s.locks == nil {
		return nil
	}
	return s.locks.stats
}

// withDomainConn serializes one domain's access behind l (a no-op when l
// is nil), acquires a pooled connection via conn, and always releases it
// back to the pool once fn returns.
func (s *Store) withDomainConn(l *sync.Mutex, ctx context.Context, fn func(*sqlx.Conn) error) error {
	if l != nil {
		l.Lock()
		defer l.Unlock()
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// Open connects to Postgres, verifies connectivity, and applies pool
// sizing from cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{DB: db, locks: newDomainLocks(cfg.GranularLocking)}, nil
}

// Migrate applies embedded schema migrations.
func (s *Store) Migrate() error {
	return migrations.Apply(s.DB.DB)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// conn acquires a connection for the duration of a single operation,
// recording whether the pool had one immediately available.
func (s *Store) conn(ctx context.Context) (*sqlx.Conn, error) {
	if l := s.statsLock(); l != nil {
		l.Lock()
		defer l.Unlock()
	}
	stats := s.DB.Stats()
	if stats.InUse < stats.MaxOpenConnections || stats.MaxOpenConnections <= 0 {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return s.DB.Connx(ctx)
}

// PoolStats reports pool hit/miss counters and the underlying sql.DBStats,
// surfaced by the /status admin endpoint.
type PoolStats struct {
	Hits   int64
	Misses int64
	sql.DBStats
}

// Stats returns the current pool statistics.
func (s *Store) Stats() PoolStats {
	if l := s.statsLock(); l != nil {
		l.Lock()
		defer l.Unlock()
	}
	return PoolStats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		DBStats: s.DB.Stats(),
	}
}
