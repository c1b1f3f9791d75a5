package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		component string
	}{
		{"debug level text format", "debug", "text", "producer"},
		{"info level json format", "info", "json", "api"},
		{"warn level text format", "warn", "text", ""},
		{"error level json format", "error", "json", "worker"},
		{"default level on unknown", "unknown", "text", "test"},
		{"default format on unknown", "info", "unknown", "test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level, tt.format, tt.component)
			if logger == nil {
				t.Error("expected logger, got nil")
			}
		})
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "json", "worker")

	logger.Debug("hidden")
	logger.Info("message analyzed", "priority", "high")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["component"] != "worker" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("expected timestamp key")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug {
		t.Error("expected debug")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("expected info for unknown level")
	}
}

func TestEnrich(t *testing.T) {
	var buf bytes.Buffer
	base := newLogger(&buf, "info", "json", "")

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithMessageID(ctx, "msg-1")
	Enrich(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	for key, want := range map[string]string{"requestID": "req-1", "job_id": "job-1", "message_id": "msg-1"} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

func TestFromContext(t *testing.T) {
	t.Run("without IDs", func(t *testing.T) {
		if FromContext(context.Background()) == nil {
			t.Error("expected logger, got nil")
		}
	})

	t.Run("with request ID", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-456")
		if FromContext(ctx) == nil {
			t.Error("expected logger, got nil")
		}
	})
}
