package dispatcher

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

const collectionsPath = "/api/v2/tenants/default_tenant/databases/default_database/collections"

func newFanoutMappingStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: sqlx.NewDb(db, "postgres")}, mock
}

func newFanoutDispatcher(t *testing.T, primaryURL, replicaURL string, mock sqlmock.Sqlmock, st *store.Store) *Dispatcher {
	t.Helper()
	primaryDesc := instance.NewDescriptor(instance.Primary, primaryURL, 1, resilience.Config{MaxFailures: 10})
	replicaDesc := instance.NewDescriptor(instance.Replica, replicaURL, 2, resilience.Config{MaxFailures: 10})

	primaryClient := backend.New(primaryDesc, 2*time.Second, resilience.DefaultRetryConfig())
	replicaClient := backend.New(replicaDesc, 2*time.Second, resilience.DefaultRetryConfig())

	resolver := mapping.New(st.Mappings(), nil)
	logger := logging.New("test", "error", "text")

	backends := map[instance.Name]Backend{
		instance.Primary: primaryClient,
		instance.Replica: replicaClient,
	}
	return New(Config{}, primaryDesc, replicaDesc, backends, resolver, nil, logger, nil)
}

// TestHandleCollectionCreateFanOutToBothInstances exercises
// handleCollectionCreate end-to-end against two real httptest.Server
// backends: the create is issued to the selected (primary) instance,
// then replayed onto the healthy other side, and the resulting mapping
// upserts both UUIDs in one row.
func TestHandleCollectionCreateFanOutToBothInstances(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == collectionsPath:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && r.URL.Path == collectionsPath:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"primary-uuid","name":"widgets"}`))
		}
	}))
	defer primary.Close()

	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == collectionsPath:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && r.URL.Path == collectionsPath:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"replica-uuid","name":"widgets"}`))
		}
	}))
	defer replica.Close()

	st, mock := newFanoutMappingStore(t)
	mock.ExpectExec(`INSERT INTO collection_mappings`).WillReturnResult(sqlmock.NewResult(0, 1))

	d := newFanoutDispatcher(t, primary.URL, replica.URL, mock, st)

	body := []byte(`{"name":"widgets"}`)
	result, err := d.handleCollectionCreate(context.Background(), collectionsPath, body, nil)
	if err != nil {
		t.Fatalf("handleCollectionCreate returned an error: %v", err)
	}
	if result.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from the selected instance, got %d", result.StatusCode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet mapping upsert expectation: %v", err)
	}
}

// TestHandleCollectionDeleteFanOutToBothInstances exercises
// handleCollectionDelete end-to-end: the delete is issued to the
// selected instance, then replayed onto the healthy other side, and
// both mapping sides are cleared.
func TestHandleCollectionDeleteFanOutToBothInstances(t *testing.T) {
	deletePath := collectionsPath + "/widgets"

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == collectionsPath:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer primary.Close()

	replica := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer replica.Close()

	st, mock := newFanoutMappingStore(t)
	mock.ExpectExec(`UPDATE collection_mappings SET primary_uuid`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM collection_mappings WHERE name`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE collection_mappings SET replica_uuid`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM collection_mappings WHERE name`).WithArgs("widgets").WillReturnResult(sqlmock.NewResult(0, 1))

	d := newFanoutDispatcher(t, primary.URL, replica.URL, mock, st)

	result, err := d.handleCollectionDelete(context.Background(), deletePath, nil, nil)
	if err != nil {
		t.Fatalf("handleCollectionDelete returned an error: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the selected instance, got %d", result.StatusCode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet mapping clear expectations: %v", err)
	}
}
