// Package logging provides structured component logging with trace ID
// support, used by every core subsystem (WAL engine, mapping resolver,
// health monitor, transaction log, recovery coordinator).
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried through request-scoped logging.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
)

// Logger wraps logrus.Logger with proxy-specific conveniences.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new component Logger.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT, defaulting
// to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext attaches the component name and, if present, the request's
// trace ID to a logrus entry.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if ctx == nil {
		return entry
	}
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields attaches the component name plus arbitrary fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID generates a new trace identifier for a request.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID attaches a trace ID to a context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace ID, if any.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
