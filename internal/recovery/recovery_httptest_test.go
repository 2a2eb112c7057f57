package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/store"
)

func newRecoveryStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: sqlx.NewDb(db, "postgres")}, mock
}

// TestRecoverDrainsBuffersAndReconciles exercises the full
// drain->buffer->reconcile sequence against real (sqlmock-backed)
// WAL and mapping repos: the drain loop polls CountPendingForInstance
// until it empties, Recover waits out the buffer delay, then reconcile
// recreates the one collection missing its primary side.
func TestRecoverDrainsBuffersAndReconciles(t *testing.T) {
	st, mock := newRecoveryStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM wal_writes`).WithArgs("primary").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM wal_writes`).WithArgs("primary").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rows := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "created", "updated"}).
		AddRow("widgets", nil, "replica-uuid", time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM collection_mappings WHERE primary_uuid IS NULL`).WillReturnRows(rows)
	mock.ExpectExec(`INSERT INTO collection_mappings`).WillReturnResult(sqlmock.NewResult(0, 1))

	logger := logging.New("test", "error", "text")
	c := &Coordinator{
		wal:            st.WAL(),
		mappings:       st.Mappings(),
		logger:         logger,
		drainTimeout:   200 * time.Millisecond,
		drainInterval:  10 * time.Millisecond,
		bufferDelay:    20 * time.Millisecond,
		deleteLookback: 10 * time.Minute,
	}

	src := &fakeSource{found: true, metadata: map[string]interface{}{"name": "widgets"}, uuid: "new-primary-uuid"}
	var recentCalled bool
	recent := func(ctx context.Context, name string, within time.Duration) (bool, error) {
		recentCalled = true
		return false, nil
	}

	start := time.Now()
	c.Recover(context.Background(), "primary", src, recent)
	elapsed := time.Since(start)

	if elapsed < c.bufferDelay {
		t.Fatalf("expected Recover to wait out the buffer delay, took %v", elapsed)
	}
	if !recentCalled {
		t.Fatalf("expected reconcile to consult recentWALEntries for the missing collection")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRecoverSkipsReconcileOnRecentDelete confirms a recent DELETE in
// the WAL blocks recreation even once the drain and buffer steps
// complete.
func TestRecoverSkipsReconcileOnRecentDelete(t *testing.T) {
	st, mock := newRecoveryStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM wal_writes`).WithArgs("replica").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rows := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "created", "updated"}).
		AddRow("widgets", "primary-uuid", nil, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM collection_mappings WHERE replica_uuid IS NULL`).WillReturnRows(rows)

	logger := logging.New("test", "error", "text")
	c := &Coordinator{
		wal:            st.WAL(),
		mappings:       st.Mappings(),
		logger:         logger,
		drainTimeout:   200 * time.Millisecond,
		drainInterval:  10 * time.Millisecond,
		bufferDelay:    5 * time.Millisecond,
		deleteLookback: 10 * time.Minute,
	}

	src := &fakeSource{found: true, uuid: "should-not-be-used"}
	recent := func(ctx context.Context, name string, within time.Duration) (bool, error) {
		return true, nil
	}

	c.Recover(context.Background(), "replica", src, recent)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
