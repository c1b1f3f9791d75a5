package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestDefaultTracerConfig(t *testing.T) {
	cfg := DefaultTracerConfig()

	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("unexpected endpoint: %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "mailtriage" {
		t.Errorf("unexpected service name: %s", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("expected tracing to be off by default")
	}
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), DefaultTracerConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be a no-op
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}
}

func TestSpans(t *testing.T) {
	ctx := context.Background()
	c, span := StartSpan(ctx, "test-span")
	if c == nil || span == nil {
		t.Fatal("expected span")
	}
	span.End()

	c, span = ScanSpan(ctx, 20)
	if c == nil || span == nil {
		t.Fatal("expected scan span")
	}
	span.End()

	c, span = ProcessSpan(ctx, "msg-1")
	if c == nil || span == nil {
		t.Fatal("expected process span")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	c, span = JobSpan(ctx, "job-1", 2)
	if c == nil || span == nil {
		t.Fatal("expected job span")
	}
	span.End()

	c, span = APISpan(ctx, "/stats")
	if c == nil || span == nil {
		t.Fatal("expected api span")
	}
	span.End()
}
