package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/vectorha/proxy/internal/httputil"
)

// AdminAuthMiddleware gates admin/diagnostic endpoints behind a bearer
// token from the configured allow-list (spec §10.A). With an empty token
// list every request is let through, matching the proxy's default of
// trusting network-level access control in front of it.
type AdminAuthMiddleware struct {
	tokens map[string]struct{}
}

// NewAdminAuthMiddleware creates admin-auth middleware for the given
// tokens. A nil/empty slice disables the check entirely.
func NewAdminAuthMiddleware(tokens []string) *AdminAuthMiddleware {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return &AdminAuthMiddleware{tokens: set}
}

// Handler returns the admin-auth middleware handler.
func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || len(m.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || !m.allowed(token) {
			httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "ADMIN_AUTH_REQUIRED", "admin authentication required", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AdminAuthMiddleware) allowed(token string) bool {
	for candidate := range m.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
