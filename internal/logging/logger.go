package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	requestIDKey = contextKey("requestID")
	messageIDKey = contextKey("messageID")
	jobIDKey     = contextKey("jobID")
)

// NewLogger creates a new slog.Logger with the specified level and format.
func NewLogger(level string, format string, component string) *slog.Logger {
	return newLogger(os.Stdout, level, format, component)
}

func newLogger(w io.Writer, level string, format string, component string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID returns a new context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithMessageID tags the context with the message being processed.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

// WithJobID tags the context with the queue job being run.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// FromContext returns the default logger enriched with any IDs in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	return Enrich(ctx, slog.Default())
}

// Enrich adds the IDs carried by ctx to logger.
func Enrich(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		logger = logger.With("requestID", id)
	}
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		logger = logger.With("job_id", id)
	}
	if id, ok := ctx.Value(messageIDKey).(string); ok {
		logger = logger.With("message_id", id)
	}
	return logger
}
