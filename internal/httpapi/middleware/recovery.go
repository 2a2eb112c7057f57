package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/vectorha/proxy/internal/httputil"
	"github.com/vectorha/proxy/internal/logging"
	"github.com/vectorha/proxy/internal/proxyerr"
)

// RecoveryMiddleware recovers from panics in downstream handlers, logging
// the stack trace and returning a 500 instead of crashing the process.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

// NewRecoveryMiddleware creates panic-recovery middleware.
func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger}
}

// Handler returns the recovery middleware handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", rec),
					"stack":       string(stack),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("panic recovered")

				perr := proxyerr.New(proxyerr.Fatal, "internal server error", fmt.Errorf("%v", rec))
				httputil.WriteErrorResponse(w, r, proxyerr.HTTPStatus(perr), string(perr.Kind), perr.Message, nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
