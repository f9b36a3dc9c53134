//go:build otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing/otelexport"
)

// initOTelExporter attaches an OTLP exporter to the span collector when
// telemetry is enabled. Only compiled with -tags otel.
func initOTelExporter(ctx context.Context, cfg *config.Config, collector *tracing.Collector) {
	if collector == nil {
		return
	}
	tc := cfg.Telemetry
	if !tc.Enabled || tc.Endpoint == "" {
		slog.Debug("otel export compiled in but disabled (set telemetry.enabled and telemetry.endpoint)")
		return
	}

	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    tc.Endpoint,
		Protocol:    tc.Protocol,
		Insecure:    tc.Insecure,
		ServiceName: tc.ServiceName,
		Headers:     tc.Headers,
	})
	if err != nil {
		slog.Warn("otel exporter unavailable, spans stay local", "error", err)
		return
	}

	collector.SetExporter(exp)
	slog.Info("otel span export enabled", "endpoint", tc.Endpoint, "protocol", tc.Protocol)
}
