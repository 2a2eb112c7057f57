// Package httpaccess provides a zero-allocation structured access logger
// for the proxy's request hot path, separate from the logrus-based
// component loggers in internal/logging.
package httpaccess

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger emits one structured line per proxied request.
type Logger struct {
	zl zerolog.Logger
}

// New builds an access logger writing to w (os.Stdout when nil).
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// LogRequest records the outcome of a single proxied request.
func (l *Logger) LogRequest(method, path, selectedInstance string, status int, latency time.Duration, writeID string) {
	ev := l.zl.Info()
	if status >= 500 {
		ev = l.zl.Error()
	} else if status >= 400 {
		ev = l.zl.Warn()
	}
	ev.
		Str("method", method).
		Str("path", path).
		Str("instance", selectedInstance).
		Int("status", status).
		Dur("latency", latency).
		Str("write_id", writeID).
		Msg("proxied request")
}

// LogEvent records a one-off structured event (admission rejection,
// consistency-window pin, fan-out decision) without a full request record.
func (l *Logger) LogEvent(name string, fields map[string]string) {
	ev := l.zl.Info().Str("event", name)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(name)
}
