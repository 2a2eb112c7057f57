package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/resilience"
)

// TestClientDoRetriesThenSucceeds exercises the actual HTTP client/retry
// path against a real listener: the first two attempts return 500, the
// third returns 200.
func TestClientDoRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	desc := instance.NewDescriptor(instance.Primary, srv.URL, 1, resilience.Config{MaxFailures: 10})
	retryCfg := resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2.0}
	client := New(desc, 2*time.Second, retryCfg)

	resp, err := client.Do(context.Background(), http.MethodGet, "/api/v2/tenants/default_tenant/databases/default_database/heartbeat", nil, nil)
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on the third attempt, got %d", resp.StatusCode)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if desc.SuccessRate() != 100.0 {
		t.Fatalf("expected a successful outcome to be recorded, got success rate %v", desc.SuccessRate())
	}
}

// TestClientDoOpensCircuitAfterRepeatedFailures exercises the retry path
// exhausting all attempts and the breaker tripping open after enough
// consecutive Do() failures, short-circuiting further calls without
// touching the network.
func TestClientDoOpensCircuitAfterRepeatedFailures(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	desc := instance.NewDescriptor(instance.Primary, srv.URL, 1, resilience.Config{MaxFailures: 2, Timeout: time.Hour})
	retryCfg := resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}
	client := New(desc, 2*time.Second, retryCfg)

	for i := 0; i < 2; i++ {
		if _, err := client.Do(context.Background(), http.MethodGet, "/api/v2/tenants/default_tenant/databases/default_database/heartbeat", nil, nil); err == nil {
			t.Fatalf("expected failure on call %d against a 500-returning backend", i)
		}
	}
	if desc.ConsecutiveFailures() != 2 {
		t.Fatalf("expected 2 consecutive failures recorded before the breaker trips, got %d", desc.ConsecutiveFailures())
	}

	seenAfterFailures := requests.Load()

	if _, err := client.Do(context.Background(), http.MethodGet, "/api/v2/tenants/default_tenant/databases/default_database/heartbeat", nil, nil); err != resilience.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen once MaxFailures is reached, got %v", err)
	}
	if requests.Load() != seenAfterFailures {
		t.Fatalf("expected the breaker to short-circuit without hitting the server again")
	}
}
