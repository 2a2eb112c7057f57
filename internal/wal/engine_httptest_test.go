package wal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vectorha/proxy/internal/backend"
	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/mapping"
	"github.com/vectorha/proxy/internal/resilience"
	"github.com/vectorha/proxy/internal/store"
)

func newMockEngineStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: sqlx.NewDb(db, "postgres")}, mock
}

// TestReplayOneDocumentWriteEndToEnd exercises resolve (via the mapping
// repo) -> issue (a real HTTP call through backend.Client against an
// httptest.Server) -> classify -> acknowledge for a plain document write.
func TestReplayOneDocumentWriteEndToEnd(t *testing.T) {
	var sawPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	st, mock := newMockEngineStore(t)

	rows := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "created", "updated"}).
		AddRow("widgets", "uuid-1", nil, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT \* FROM collection_mappings WHERE name`).WithArgs("widgets").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE wal_writes`).WillReturnResult(sqlmock.NewResult(0, 1))

	resolver := mapping.New(st.Mappings(), nil)
	desc := instance.NewDescriptor(instance.Primary, srv.URL, 1, resilience.Config{MaxFailures: 10})
	client := backend.New(desc, 2*time.Second, resilience.DefaultRetryConfig())
	backends := map[string]Backend{"primary": client}

	logger := logging.New("test", "error", "text")
	engine := New(st.WAL(), resolver, backends, logger, nil, func() bool { return true }, 50, 200)

	entry := store.WALEntry{
		WriteID:        "w-1",
		Method:         http.MethodPost,
		Path:           "/api/v2/tenants/default_tenant/databases/default_database/collections/widgets/add",
		CollectionID:   "widgets",
		TargetInstance: "primary",
	}

	engine.ReplayBatch(context.Background(), "primary", []store.WALEntry{entry})

	if sawPath == "" {
		t.Fatalf("expected the backend to receive the replayed request")
	}
	wantSuffix := "/collections/uuid-1/add"
	if len(sawPath) < len(wantSuffix) || sawPath[len(sawPath)-len(wantSuffix):] != wantSuffix {
		t.Fatalf("expected the resolved path to address the mapped uuid, got %q", sawPath)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestReplayOneCollectionDeleteObsoletePropagation exercises a collection
// DELETE through verify-absence and into obsolete-propagation for any
// still-pending writes against the same collection.
func TestReplayOneCollectionDeleteObsoletePropagation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	st, mock := newMockEngineStore(t)

	mock.ExpectExec(`UPDATE collection_mappings SET primary_uuid`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM collection_mappings WHERE name`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wal_writes\s+SET status = \$2`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wal_writes\s+SET status = 'obsolete'`).WillReturnResult(sqlmock.NewResult(0, 1))

	resolver := mapping.New(st.Mappings(), nil)
	desc := instance.NewDescriptor(instance.Primary, srv.URL, 1, resilience.Config{MaxFailures: 10})
	client := backend.New(desc, 2*time.Second, resilience.DefaultRetryConfig())
	backends := map[string]Backend{"primary": client}

	logger := logging.New("test", "error", "text")
	engine := New(st.WAL(), resolver, backends, logger, nil, func() bool { return true }, 50, 200)

	entry := store.WALEntry{
		WriteID:        "w-2",
		Method:         http.MethodDelete,
		Path:           "/api/v2/tenants/default_tenant/databases/default_database/collections/widgets",
		CollectionID:   "widgets",
		TargetInstance: "primary",
		Created:        time.Now(),
	}

	engine.ReplayBatch(context.Background(), "primary", []store.WALEntry{entry})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
