package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: sqlx.NewDb(db, "postgres")}, mock
}

func TestWALRepoMarkFailedIncrementsRetryCount(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.WAL()

	mock.ExpectExec("UPDATE wal_writes").
		WithArgs("write-1", "connection reset", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkFailed(context.Background(), "write-1", "connection reset", time.Now().Add(15*time.Second)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWALRepoMarkObsolete(t *testing.T) {
	s, mock := newMockStore(t)
	repo := s.WAL()

	mock.ExpectExec("UPDATE wal_writes").
		WithArgs("my-collection", sqlmock.AnyArg(), "collection deleted").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := repo.MarkObsolete(context.Background(), "my-collection", time.Now(), "collection deleted"); err != nil {
		t.Fatalf("MarkObsolete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendUniqueDoesNotDuplicate(t *testing.T) {
	got := appendUnique([]string{"primary"}, "primary")
	if len(got) != 1 {
		t.Fatalf("expected no duplicate, got %v", got)
	}

	got = appendUnique([]string{"primary"}, "replica")
	if len(got) != 2 || got[1] != "replica" {
		t.Fatalf("expected replica appended, got %v", got)
	}
}
