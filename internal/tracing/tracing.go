// Package tracing sets up the process-wide OpenTelemetry tracer
// provider: one span per lifecycle operation and per dispatched command,
// exported to stdout in the absence of a configured collector.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide tracer provider and its shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs a stdout-exporting tracer provider as the global
// otel.TracerProvider. w defaults to os.Stdout when nil; pass io.Discard
// in tests that don't want span output on the console.
func Setup(w io.Writer) (*Provider, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns a named tracer from the global provider, the
// otel.Tracer(name) call shape used at every SDK call site.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
