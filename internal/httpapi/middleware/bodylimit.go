package middleware

import (
	"net/http"

	"github.com/vectorha/proxy/internal/httputil"
)

const defaultMaxRequestBodyBytes int64 = 32 << 20 // 32MiB, generous for vector batch upserts

// BodyLimitMiddleware caps request bodies via http.MaxBytesReader so
// downstream handlers and the WAL append path cannot be forced to buffer an
// unbounded body.
type BodyLimitMiddleware struct {
	maxBytes int64
}

// NewBodyLimitMiddleware creates body-limit middleware; maxBytes <= 0 uses
// the package default.
func NewBodyLimitMiddleware(maxBytes int64) *BodyLimitMiddleware {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return &BodyLimitMiddleware{maxBytes: maxBytes}
}

// Handler returns the body-limit middleware handler.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.maxBytes <= 0 || r == nil {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > m.maxBytes {
			httputil.WriteErrorResponse(
				w, r, http.StatusRequestEntityTooLarge, "",
				"request body too large",
				map[string]any{"limit_bytes": m.maxBytes},
			)
			return
		}

		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		}

		next.ServeHTTP(w, r)
	})
}
