// Package telemetry wires OpenTelemetry tracing for the upload service.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// serviceVersion is stamped onto every span resource.
const serviceVersion = "0.1.0"

var tracerProvider *sdktrace.TracerProvider

// InitTracer installs a global tracer provider for the named service.
// Spans are written to stdout; MH_TRACE_PRETTY=false switches to compact
// single-line output for log shippers.
func InitTracer(serviceName string) (*sdktrace.TracerProvider, error) {
	var exporterOpts []stdouttrace.Option
	if os.Getenv("MH_TRACE_PRETTY") != "false" {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
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
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes buffered spans and tears down the provider.
func ShutdownTracer(ctx context.Context) {
	if tracerProvider == nil {
		return
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down tracer provider", "error", err)
	}
}
