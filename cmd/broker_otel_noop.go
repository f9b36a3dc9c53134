//go:build !otel

package cmd

import (
	"context"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing"
)

// initOTelExporter is a no-op without the "otel" build tag. Spans still go
// to the audit database.
func initOTelExporter(context.Context, *config.Config, *tracing.Collector) {}
