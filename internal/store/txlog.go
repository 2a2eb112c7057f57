package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Transaction safety log status values (§3).
const (
	TxStatusAttempting = "ATTEMPTING"
	TxStatusCompleted  = "COMPLETED"
	TxStatusFailed     = "FAILED"
	TxStatusRecovered  = "RECOVERED"
	TxStatusAbandoned  = "ABANDONED"
)

// TxLogEntry mirrors the transaction_log table.
type TxLogEntry struct {
	TransactionID      string         `db:"transaction_id"`
	ClientSession      sql.NullString `db:"client_session"`
	ClientIP           sql.NullString `db:"client_ip"`
	UserID             sql.NullString `db:"user_id"`
	Method             string         `db:"method"`
	Path               string         `db:"path"`
	Body               []byte         `db:"body"`
	Headers            JSONMap        `db:"headers"`
	Status             string         `db:"status"`
	OperationType      sql.NullString `db:"operation_type"`
	TargetInstance     sql.NullString `db:"target_instance"`
	FailureReason      sql.NullString `db:"failure_reason"`
	ResponseStatus     sql.NullInt64  `db:"response_status"`
	RetryCount         int            `db:"retry_count"`
	MaxRetries         int            `db:"max_retries"`
	NextRetryAt        *time.Time     `db:"next_retry_at"`
	IsTimingGapFailure bool           `db:"is_timing_gap_failure"`
	Created            time.Time      `db:"created"`
	Attempted          *time.Time     `db:"attempted"`
	Completed          *time.Time     `db:"completed"`
}

// TxLogRepo persists and queries the transaction safety log.
type TxLogRepo struct {
	store *Store
}

// TxLog returns the transaction-log repository bound to s.
func (s *Store) TxLog() *TxLogRepo { return &TxLogRepo{store: s} }

// Insert records a new ATTEMPTING entry.
func (r *TxLogRepo) Insert(ctx context.Context, e *TxLogEntry) error {
	const q = `
		INSERT INTO transaction_log (
			transaction_id, client_session, client_ip, user_id, method, path,
			body, headers, status, operation_type, target_instance,
			retry_count, max_retries, is_timing_gap_failure, created, attempted
		) VALUES (
			:transaction_id, :client_session, :client_ip, :user_id, :method, :path,
			:body, :headers, :status, :operation_type, :target_instance,
			:retry_count, :max_retries, :is_timing_gap_failure, :created, :attempted
		)`
	return r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.NamedExecContext(ctx, q, e)
		return err
	})
}

// MarkCompleted transitions transactionID to COMPLETED.
func (r *TxLogRepo) MarkCompleted(ctx context.Context, transactionID string, statusCode int) error {
	const q = `
		UPDATE transaction_log
		SET status = 'COMPLETED', response_status = $2, completed = now()
		WHERE transaction_id = $1`
	return r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, transactionID, statusCode)
		return err
	})
}

// MarkFailed transitions transactionID to FAILED, incrementing retry_count
// and scheduling the next retry.
func (r *TxLogRepo) MarkFailed(ctx context.Context, transactionID, reason string, timingGap bool, nextRetryAt time.Time) error {
	const q = `
		UPDATE transaction_log
		SET status = 'FAILED', failure_reason = $2, retry_count = retry_count + 1,
		    next_retry_at = $3, is_timing_gap_failure = $4
		WHERE transaction_id = $1`
	return r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, transactionID, reason, nextRetryAt, timingGap)
		return err
	})
}

// MarkRecovered transitions transactionID to RECOVERED.
func (r *TxLogRepo) MarkRecovered(ctx context.Context, transactionID string) error {
	const q = `UPDATE transaction_log SET status = 'RECOVERED', completed = now() WHERE transaction_id = $1`
	return r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, transactionID)
		return err
	})
}

// MarkAbandoned transitions transactionID to ABANDONED once retries are
// exhausted.
func (r *TxLogRepo) MarkAbandoned(ctx context.Context, transactionID string) error {
	const q = `UPDATE transaction_log SET status = 'ABANDONED' WHERE transaction_id = $1`
	return r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, q, transactionID)
		return err
	})
}

// RecoveryEligible selects FAILED/ATTEMPTING rows due for replay (§4.F
// recovery loop).
func (r *TxLogRepo) RecoveryEligible(ctx context.Context, limit int) ([]TxLogEntry, error) {
	const q = `
		SELECT * FROM transaction_log
		WHERE status IN ('FAILED', 'ATTEMPTING')
		  AND retry_count < max_retries
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created ASC
		LIMIT $1`
	var entries []TxLogEntry
	err := r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &entries, q, limit)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteRetentionEligible purges terminal entries older than horizon.
func (r *TxLogRepo) DeleteRetentionEligible(ctx context.Context, horizon time.Time) (int64, error) {
	const q = `
		DELETE FROM transaction_log
		WHERE status IN ('COMPLETED', 'RECOVERED', 'ABANDONED') AND created < $1`
	var rows int64
	err := r.store.withDomainConn(r.store.txlogLock(), ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, q, horizon)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	return rows, err
}
