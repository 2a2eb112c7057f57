package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuthMiddlewareDisabledWithNoTokens(t *testing.T) {
	m := NewAdminAuthMiddleware(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wal/status", nil)

	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected requests to pass through when no tokens are configured, got %d", rec.Code)
	}
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	m := NewAdminAuthMiddleware([]string{"secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wal/status", nil)

	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestAdminAuthMiddlewareRejectsWrongToken(t *testing.T) {
	m := NewAdminAuthMiddleware([]string{"secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wal/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")

	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a token outside the allow-list, got %d", rec.Code)
	}
}

func TestAdminAuthMiddlewareAcceptsConfiguredToken(t *testing.T) {
	m := NewAdminAuthMiddleware([]string{"secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wal/status", nil)
	req.Header.Set("Authorization", "Bearer secret")

	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an allow-listed token, got %d", rec.Code)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
