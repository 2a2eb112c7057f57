// Package txlog implements the transaction safety log: LogAttempt records
// a request as ATTEMPTING in a durable table, and a background recovery
// loop replays FAILED/ATTEMPTING entries through the dispatcher (spec
// §4.F). Nothing in the proxy calls LogAttempt, so client requests are not
// recorded by the dispatcher's request path and the recovery loop only
// finds rows already present in the table.
package txlog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/resilience"
	"github.com/vectorha/proxy/internal/store"
)

// Dispatcher is the subset of the request dispatcher the recovery loop
// replays recovered transactions through.
type Dispatcher interface {
	Dispatch(ctx context.Context, method, path string, body []byte, headers http.Header, originalTransactionID string) (status int, respBody []byte, err error)
}

// Log persists and recovers transaction attempts.
type Log struct {
	repo       *store.TxLogRepo
	logger     *logging.Logger
	dispatcher Dispatcher

	maxRetries       int
	recoveryInterval time.Duration
}

// New creates a Log backed by repo. dispatcher may be nil until the
// dispatcher is wired (recovery replay then becomes a no-op).
func New(repo *store.TxLogRepo, logger *logging.Logger, dispatcher Dispatcher, maxRetries int, recoveryInterval time.Duration) *Log {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if recoveryInterval <= 0 {
		recoveryInterval = 30 * time.Second
	}
	return &Log{
		repo:             repo,
		logger:           logger,
		dispatcher:       dispatcher,
		maxRetries:       maxRetries,
		recoveryInterval: recoveryInterval,
	}
}

// SetDispatcher wires the dispatcher after construction, breaking the
// dispatcher→txlog→dispatcher initialization cycle.
func (l *Log) SetDispatcher(d Dispatcher) { l.dispatcher = d }

var operationSuffixes = map[string]string{
	"/add":    "add",
	"/upsert": "upsert",
	"/update": "update",
	"/delete": "delete",
	"/get":    "get",
	"/query":  "query",
	"/count":  "count",
}

func classifyOperation(method, path string) string {
	for suffix, op := range operationSuffixes {
		if strings.HasSuffix(path, suffix) {
			return op
		}
	}
	if strings.HasSuffix(path, "/collections") {
		return "collection_" + strings.ToLower(method)
	}
	return strings.ToLower(method)
}

// LogAttempt records a new ATTEMPTING entry before the request is
// admitted, extracting client session/IP/user from headers with
// UUID-fragment fallbacks.
func (l *Log) LogAttempt(ctx context.Context, method, path string, body []byte, headers http.Header, remoteAddr string, targetInstance string) (string, error) {
	transactionID := uuid.NewString()

	session := headerOrFallback(headers, "X-Session-ID")
	clientIP := headerOrFallback(headers, "X-Forwarded-For")
	if clientIP == "" {
		clientIP = remoteAddr
	}
	userID := headerOrFallback(headers, "X-User-ID")

	entry := &store.TxLogEntry{
		TransactionID:  transactionID,
		ClientSession:  nullable(session),
		ClientIP:       nullable(clientIP),
		UserID:         nullable(userID),
		Method:         method,
		Path:           path,
		Body:           body,
		Headers:        headersToJSONMap(headers),
		Status:         store.TxStatusAttempting,
		OperationType:  nullable(classifyOperation(method, path)),
		TargetInstance: nullable(targetInstance),
		RetryCount:     0,
		MaxRetries:     l.maxRetries,
		Created:        time.Now(),
	}
	now := time.Now()
	entry.Attempted = &now

	if err := l.repo.Insert(ctx, entry); err != nil {
		return "", err
	}
	return transactionID, nil
}

func headerOrFallback(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func headersToJSONMap(h http.Header) store.JSONMap {
	if len(h) == 0 {
		return store.JSONMap{}
	}
	out := make(store.JSONMap, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// MarkCompleted transitions transactionID to COMPLETED.
func (l *Log) MarkCompleted(ctx context.Context, transactionID string, statusCode int) error {
	return l.repo.MarkCompleted(ctx, transactionID, statusCode)
}

// MarkFailed transitions transactionID to FAILED, scheduling a retry per
// the resilience backoff policy.
func (l *Log) MarkFailed(ctx context.Context, transactionID, reason string, isTimingGap bool, retryCount int) error {
	delay := resilience.Backoff(retryCount, true)
	return l.repo.MarkFailed(ctx, transactionID, reason, isTimingGap, time.Now().Add(delay))
}

// RunRecoveryLoop replays FAILED/ATTEMPTING transactions due for retry
// through the dispatcher until ctx is cancelled, exiting cleanly after
// completing any in-flight transaction.
func (l *Log) RunRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(l.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.recoverOnce(ctx)
		}
	}
}

func (l *Log) recoverOnce(ctx context.Context) {
	entries, err := l.repo.RecoveryEligible(ctx, 50)
	if err != nil {
		l.logger.WithFields(map[string]interface{}{"error": err}).Error("transaction recovery selection failed")
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.recoverOne(ctx, entry)
	}
}

func (l *Log) recoverOne(ctx context.Context, entry store.TxLogEntry) {
	if l.dispatcher == nil {
		return
	}

	headers := make(http.Header)
	for k, v := range entry.Headers {
		headers[k] = v
	}

	status, _, err := l.dispatcher.Dispatch(ctx, entry.Method, entry.Path, entry.Body, headers, entry.TransactionID)
	if err != nil || status >= 500 {
		if entry.RetryCount+1 >= entry.MaxRetries {
			if markErr := l.repo.MarkAbandoned(ctx, entry.TransactionID); markErr != nil {
				l.logger.WithFields(map[string]interface{}{"transaction_id": entry.TransactionID, "error": markErr}).Error("failed to abandon exhausted transaction")
			}
			return
		}
		reason := "recovery replay failed"
		if err != nil {
			reason = err.Error()
		}
		_ = l.MarkFailed(ctx, entry.TransactionID, reason, false, entry.RetryCount)
		return
	}

	if err := l.repo.MarkRecovered(ctx, entry.TransactionID); err != nil {
		l.logger.WithFields(map[string]interface{}{"transaction_id": entry.TransactionID, "error": err}).Error("failed to mark transaction recovered")
	}
}

// DecodeBody is a convenience for recovery-loop callers reconstructing a
// JSON body when the original payload needs structural inspection rather
// than opaque replay.
func DecodeBody(body []byte, v interface{}) error {
	return json.NewDecoder(bytes.NewReader(body)).Decode(v)
}
