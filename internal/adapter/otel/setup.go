// Package otel provides ToolForge's OpenTelemetry instruments and a stub for
// tracing setup.
package otel

import (
	"context"
	"log/slog"
)

// ShutdownFunc is called to flush and shut down the trace provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracer returns a no-op shutdown function.
// Wiring an OTLP exporter and TracerProvider is a deployment concern; the
// instruments above record against whatever global provider is installed.
func InitTracer(serviceName string) ShutdownFunc {
	slog.Info("otel stub: InitTracer called", "service", serviceName)
	return func(_ context.Context) error {
		slog.Info("otel stub: shutdown called")
		return nil
	}
}
