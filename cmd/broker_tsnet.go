//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/kvmbroker/internal/config"
)

// initTailscale serves the broker API on the tailnet as well, so gateways
// on other hosts can reach the hooks without exposing the listen address.
// Only compiled with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		slog.Debug("tsnet compiled in but not configured (set KVMBROKER_TSNET_HOSTNAME)")
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		Dir:       config.ExpandHome(tc.StateDir),
	}

	var (
		ln   net.Listener
		err  error
		port = ":80"
	)
	if tc.EnableTLS {
		port = ":443"
		ln, err = srv.ListenTLS("tcp", port)
	} else {
		ln, err = srv.Listen("tcp", port)
	}
	if err != nil {
		slog.Warn("tailscale listener failed to start", "error", err)
		srv.Close()
		return nil
	}
	slog.Info("tailscale listener started", "hostname", tc.Hostname, "port", port, "tls", tc.EnableTLS)

	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	return func() {
		httpSrv.Close()
		ln.Close()
		srv.Close()
		slog.Info("tailscale listener stopped")
	}
}
