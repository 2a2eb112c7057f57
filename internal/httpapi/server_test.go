package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vectorha/proxy/internal/instance"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/metrics"
	"github.com/vectorha/proxy/internal/resilience"
)

func TestContentTypeOrDefault(t *testing.T) {
	if got := contentTypeOrDefault(nil); got != "application/json" {
		t.Fatalf("expected default content type, got %s", got)
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	if got := contentTypeOrDefault(h); got != "text/plain" {
		t.Fatalf("expected text/plain, got %s", got)
	}
}

func TestCheckInstanceHealthy(t *testing.T) {
	d := instance.NewDescriptor(instance.Primary, "http://localhost:8000", 1, resilience.Config{})
	if err := checkInstanceHealthy(d); err != nil {
		t.Fatalf("expected a freshly-constructed descriptor to report healthy, got %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	primary := instance.NewDescriptor(instance.Primary, "http://localhost:8000", 1, resilience.Config{})
	replica := instance.NewDescriptor(instance.Replica, "http://localhost:8001", 1, resilience.Config{})
	logger := logging.New("test", "error", "text")
	m := metrics.NewWithRegistry("test", nil)

	s := New(Config{ServiceName: "test"}, nil, primary, replica, nil, logger, m, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for freshly-constructed (healthy-by-default) instances, got %d", rec.Code)
	}
}
