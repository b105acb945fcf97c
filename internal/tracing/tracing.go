// Package tracing configures the OpenTelemetry tracer provider used by the
// optimiser and the HTTP layer.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"fleetopt/internal/logging"
)

// Config controls span export.
type Config struct {
	Enabled     bool      `yaml:"enabled"`
	ServiceName string    `yaml:"serviceName"`
	SampleRatio float64   `yaml:"sampleRatio"`
	Writer      io.Writer `yaml:"-"` // defaults to stdout
}

// Init installs a global tracer provider. When tracing is disabled a noop
// provider is installed. The returned function flushes pending spans.
func Init(ctx context.Context, cfg Config, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "fleetopt"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info(ctx, "tracing enabled", logging.String("service", name), logging.Float("sample_ratio", ratio))
	return tp.Shutdown, nil
}

// Shutdown flushes with a bounded timeout and logs failures.
func Shutdown(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// Start opens a span on the global tracer for the named package.
func Start(ctx context.Context, tracer, span string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracer).Start(ctx, span, trace.WithAttributes(attrs...))
}
