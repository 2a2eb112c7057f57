package dispatcher

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestIsWriteMethod(t *testing.T) {
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if !isWriteMethod(m) {
			t.Fatalf("expected %s to be a write method", m)
		}
	}
	if isWriteMethod(http.MethodGet) {
		t.Fatalf("expected GET not to be a write method")
	}
}

func TestIsReadOperation(t *testing.T) {
	if !isReadOperation(http.MethodGet, "/api/v2/.../collections") {
		t.Fatalf("expected GET to be a read operation")
	}
	if !isReadOperation(http.MethodPost, "/api/v2/.../collections/abc/query") {
		t.Fatalf("expected POST .../query to be a read operation")
	}
	if isReadOperation(http.MethodPost, "/api/v2/.../collections/abc/add") {
		t.Fatalf("expected POST .../add not to be a read operation")
	}
}

func TestIsCollectionCreateAndDelete(t *testing.T) {
	if !isCollectionCreate(http.MethodPost, "/api/v2/.../collections") {
		t.Fatalf("expected POST .../collections to be a create")
	}
	if isCollectionCreate(http.MethodPost, "/api/v2/.../collections/abc/add") {
		t.Fatalf("expected POST .../add not to be a create")
	}
	if !isCollectionDelete(http.MethodDelete, "/api/v2/.../collections/abc") {
		t.Fatalf("expected DELETE .../abc to be a collection delete")
	}
	if isCollectionDelete(http.MethodDelete, "/api/v2/.../collections/abc/delete") {
		t.Fatalf("expected DELETE .../delete not to be a collection delete")
	}
}

func TestRequiresReplication(t *testing.T) {
	if !requiresReplication(http.MethodPost, "/api/v2/.../collections/abc/add") {
		t.Fatalf("expected document add to require replication")
	}
	if requiresReplication(http.MethodGet, "/api/v2/.../collections") {
		t.Fatalf("expected read not to require replication")
	}
}

func TestLooksLikeUUID(t *testing.T) {
	if !looksLikeUUID("550e8400-e29b-41d4-a716-446655440000") {
		t.Fatalf("expected valid uuid shape to match")
	}
	if looksLikeUUID("widgets") {
		t.Fatalf("expected a plain name not to match")
	}
}

func TestAdmissionAcquireRelease(t *testing.T) {
	a := NewAdmission(1, 1)
	release, err := a.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	if a.TimeoutRequests() != 0 {
		t.Fatalf("expected no timeouts")
	}
}

func TestAdmissionTimeout(t *testing.T) {
	a := NewAdmission(1, 2)
	release, err := a.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = a.Acquire(context.Background(), 10*time.Millisecond)
	if _, ok := err.(ErrAdmissionTimeout); !ok {
		t.Fatalf("expected ErrAdmissionTimeout, got %v", err)
	}
	if a.TimeoutRequests() != 1 {
		t.Fatalf("expected 1 timeout recorded, got %d", a.TimeoutRequests())
	}
}

func TestAdmissionQueueFull(t *testing.T) {
	a := NewAdmission(1, 1)
	release, err := a.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	done := make(chan struct{})
	go func() {
		a.Acquire(context.Background(), 200*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = a.Acquire(context.Background(), 10*time.Millisecond)
	if _, ok := err.(ErrQueueFull); !ok {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	<-done
}
