package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "mailtriage"
	serviceVersion = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

// DefaultTracerConfig returns the defaults used when tracing is switched on.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Endpoint:    "localhost:4318",
		ServiceName: serviceName,
		Environment: "development",
		Enabled:     false,
	}
}

// InitTracer initializes the OpenTelemetry tracer provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the default tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// ScanSpan covers one producer scan cycle.
func ScanSpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return StartSpan(ctx, "producer.scan",
		attribute.Int("scan.batch_size", batchSize),
	)
}

// ProcessSpan covers one processing attempt of a message.
func ProcessSpan(ctx context.Context, messageID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "message.process",
		attribute.String("message.id", messageID),
	)
}

// JobSpan covers the execution of a queue job.
func JobSpan(ctx context.Context, jobID string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "queue.job",
		attribute.String("job.id", jobID),
		attribute.Int("job.attempt", attempt),
	)
}

// APISpan covers an HTTP request.
func APISpan(ctx context.Context, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "api.request",
		attribute.String("http.route", route),
	)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
