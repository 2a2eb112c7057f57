package middleware

import "net/http"

// SecurityHeadersMiddleware sets a fixed set of response headers.
type SecurityHeadersMiddleware struct {
	headers map[string]string
}

// DefaultSecurityHeaders returns the baseline header set applied to every
// response.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Cache-Control":             "no-store, no-cache, must-revalidate",
		"Pragma":                    "no-cache",
	}
}

// NewSecurityHeadersMiddleware creates security-header middleware, using
// DefaultSecurityHeaders when headers is nil.
func NewSecurityHeadersMiddleware(headers map[string]string) *SecurityHeadersMiddleware {
	if headers == nil {
		headers = DefaultSecurityHeaders()
	}
	return &SecurityHeadersMiddleware{headers: headers}
}

// Handler returns the security-headers middleware handler.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for key, value := range m.headers {
			w.Header().Set(key, value)
		}
		next.ServeHTTP(w, r)
	})
}
