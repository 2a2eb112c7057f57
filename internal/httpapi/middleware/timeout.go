package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vectorha/proxy/internal/httputil"
)

const defaultRequestTimeout = 30 * time.Second

// TimeoutMiddleware enforces a per-request deadline so a stalled backend
// instance cannot hold an admission slot indefinitely.
type TimeoutMiddleware struct {
	timeout time.Duration
}

// NewTimeoutMiddleware creates timeout middleware; timeout <= 0 uses the
// package default.
func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TimeoutMiddleware{timeout: timeout}
}

// Handler returns the timeout middleware handler.
func (m *TimeoutMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.timeout <= 0 || r == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		done := make(chan struct{})
		tw := &timeoutResponseWriter{ResponseWriter: w, done: done}

		go func() {
			next.ServeHTTP(tw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				tw.mu.Lock()
				wrote := tw.wroteHeader
				tw.mu.Unlock()
				if !wrote {
					httputil.WriteErrorResponse(
						w, r, http.StatusGatewayTimeout, "",
						"request timed out",
						map[string]any{"timeout_seconds": m.timeout.Seconds()},
					)
				}
			}
		}
	})
}

// timeoutResponseWriter tracks whether a header has already been written,
// so the timeout branch never double-writes a response.
type timeoutResponseWriter struct {
	http.ResponseWriter
	mu          sync.Mutex
	wroteHeader bool
	done        chan struct{}
}

func (tw *timeoutResponseWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.ResponseWriter.WriteHeader(code)
	}
}

func (tw *timeoutResponseWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	if !tw.wroteHeader {
		tw.wroteHeader = true
	}
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}
