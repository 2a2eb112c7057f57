package mapping

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vectorha/proxy/internal/store"
)

type fakeLister struct {
	body []byte
	err  error
}

func (f *fakeLister) ListCollections(ctx context.Context) ([]byte, error) {
	return f.body, f.err
}

func newMockRepo(t *testing.T) (*store.MappingRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := &store.Store{DB: sqlx.NewDb(db, "postgres")}
	return s.Mappings(), mock
}

func TestResolveNameToUUIDDiscoversOnMiss(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "created", "updated"})
	mock.ExpectQuery("SELECT \\* FROM collection_mappings WHERE name").WithArgs("widgets").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO collection_mappings").WillReturnResult(sqlmock.NewResult(0, 1))

	lister := &fakeLister{body: []byte(`[{"id":"uuid-1","name":"widgets"}]`)}
	r := New(repo, map[string]BackendLister{"primary": lister})

	uuid, err := r.ResolveNameToUUID(context.Background(), "widgets", "primary")
	if err != nil {
		t.Fatalf("ResolveNameToUUID: %v", err)
	}
	if uuid != "uuid-1" {
		t.Fatalf("got uuid %q, want uuid-1", uuid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveNameToUUIDNotFoundReturnsEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := sqlmock.NewRows([]string{"name", "primary_uuid", "replica_uuid", "created", "updated"})
	mock.ExpectQuery("SELECT \\* FROM collection_mappings WHERE name").WithArgs("ghost").WillReturnRows(rows)

	lister := &fakeLister{body: []byte(`[]`)}
	r := New(repo, map[string]BackendLister{"primary": lister})

	uuid, err := r.ResolveNameToUUID(context.Background(), "ghost", "primary")
	if err != nil {
		t.Fatalf("ResolveNameToUUID: %v", err)
	}
	if uuid != "" {
		t.Fatalf("expected empty uuid, got %q", uuid)
	}
}
