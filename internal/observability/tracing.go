// Package observability wires OpenTelemetry trace export into the pipeline.
//
// Spans go over OTLP HTTP to a collector or agent on the same host, never
// straight to a SaaS endpoint: the collector buffers, retries, and holds
// the backend credentials, so the application carries no tracing API keys
// and never blocks on a slow backend.
//
// Tracing is entirely optional. With no endpoint configured, Setup returns
// a no-op shutdown and the process runs untraced; exporter failures degrade
// the same way. A document pipeline must not die because a collector is
// down.
//
// Configured under the observability key in config.yaml:
//
//	observability:
//	  otlp_endpoint: "localhost:4318"
//	  environment: "dev"
//	  service_name: "docpipe"
package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the OTLP HTTP collector endpoint (host:port). Empty
	// disables tracing.
	Endpoint string
	// Environment tags exported spans (dev, staging, prod).
	Environment string
	// ServiceName overrides the service.name resource attribute.
	ServiceName string
}

// DefaultServiceName is used when no service name is configured.
const DefaultServiceName = "docpipe"

// flushTimeout bounds the span flush on shutdown so a dead collector
// cannot hold up process exit.
const flushTimeout = 5 * time.Second

// Setup installs a global tracer provider exporting to the configured
// OTLP endpoint.
//
// Returns a shutdown function that flushes pending spans. Setup never
// fails the caller: with no endpoint, or when the exporter cannot be
// created, tracing is disabled and the returned shutdown is a no-op.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		slog.Debug("tracing disabled, no OTLP endpoint configured")
		return noop, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// Plain HTTP: the endpoint is a same-host collector, and it owns the
	// authenticated leg to the backend.
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return noop, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, flushTimeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
