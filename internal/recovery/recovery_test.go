package recovery

import (
	"context"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New(nil, nil, nil)
	if c.drainTimeout != 120*time.Second {
		t.Fatalf("expected 120s drain timeout, got %v", c.drainTimeout)
	}
	if c.drainInterval != 5*time.Second {
		t.Fatalf("expected 5s drain interval, got %v", c.drainInterval)
	}
	if c.bufferDelay != 10*time.Second {
		t.Fatalf("expected 10s buffer delay, got %v", c.bufferDelay)
	}
	if c.deleteLookback != 10*time.Minute {
		t.Fatalf("expected 10m delete lookback, got %v", c.deleteLookback)
	}
}

type fakeSource struct {
	metadata map[string]interface{}
	found    bool
	uuid     string
	fetchErr error
	createErr error
}

func (f *fakeSource) FetchMetadata(ctx context.Context, name string) (map[string]interface{}, bool, error) {
	return f.metadata, f.found, f.fetchErr
}

func (f *fakeSource) GetOrCreate(ctx context.Context, name string, metadata map[string]interface{}) (string, error) {
	return f.uuid, f.createErr
}

func TestReconcileOneSkipsOnRecentDelete(t *testing.T) {
	c := New(nil, nil, nil)
	src := &fakeSource{found: true, uuid: "new-uuid"}
	called := false
	recent := func(ctx context.Context, name string, within time.Duration) (bool, error) {
		called = true
		return true, nil
	}
	// Should return early without touching the mapping repo (nil-safe since
	// it never calls c.mappings.Upsert when skipped).
	c.reconcileOne(context.Background(), "primary", "widgets", src, recent)
	if !called {
		t.Fatalf("expected recentWALEntries callback to be invoked")
	}
}

func TestReconcileOneSkipsWhenMetadataNotFound(t *testing.T) {
	c := New(nil, nil, nil)
	src := &fakeSource{found: false}
	c.reconcileOne(context.Background(), "replica", "widgets", src, nil)
}
