//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
)

// initTailscale is a no-op without the "tsnet" build tag.
func initTailscale(context.Context, *config.Config, http.Handler) func() {
	return nil
}
