package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kvmbroker/internal/broker"
	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/detect"
	"github.com/nextlevelbuilder/kvmbroker/internal/display"
	api "github.com/nextlevelbuilder/kvmbroker/internal/http"
	"github.com/nextlevelbuilder/kvmbroker/internal/store"
	"github.com/nextlevelbuilder/kvmbroker/internal/store/sqlite"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/tracing"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
	"github.com/nextlevelbuilder/kvmbroker/pkg/browser"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, resolveConfigPath())
		},
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	if cfg.Token == "" {
		slog.Warn("no API token configured; the hook API is unauthenticated", "listen", cfg.Listen)
	}

	registry, err := vendor.Default()
	if err != nil {
		return fmt.Errorf("vendor profiles: %w", err)
	}
	targets := target.NewConfigProvider(cfg)

	launcher, err := browser.NewLauncher(
		browser.WithBin(cfg.Browser.Bin),
		browser.WithExtraFlags(cfg.Browser.ExtraFlags),
		browser.WithWindowSize(cfg.Browser.WindowSize),
	)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	displays, err := display.NewXvfbProvider(display.Options{
		XvfbBin:   cfg.Display.XvfbBin,
		Screen:    cfg.Display.Screen,
		ExtraArgs: cfg.Display.ExtraArgs,
		External:  cfg.Display.External,
	})
	if err != nil {
		return err
	}

	// Audit trail and span store share one sqlite database.
	var (
		audit store.AuditStore
		spans store.SpanStore
	)
	if cfg.Audit.Enabled {
		db, err := sqlite.Open(cfg.AuditPath())
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer db.Close()
		audit, spans = db, db
	}

	collector := tracing.NewCollector(spans)
	initOTelExporter(ctx, cfg, collector)
	collector.Start()
	defer collector.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := broker.NewMetrics(reg)
	events := bus.New()

	b, err := broker.New(broker.Options{
		Targets:     targets,
		Detector:    detect.New(registry, detect.WithTimeout(cfg.Timeouts.Probe.Std())),
		Launcher:    launcher,
		Displays:    displays,
		Diagnostics: launcher,
		Bus:         events,
		Audit:       audit,
		Tracer:      collector,
		Metrics:     metrics,
		StepTimeouts: func(key string) vendor.Timeouts {
			return stepTimeouts(current.Load().VendorTimeouts(key))
		},
		ReadyTimeout:    cfg.Timeouts.Ready.Std(),
		TeardownTimeout: cfg.Timeouts.Teardown.Std(),
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Options{
		Broker:   b,
		Bus:      events,
		Audit:    audit,
		Spans:    spans,
		Gatherer: reg,
		Token:    cfg.Token,
		RPM:      cfg.RateLimit.RPM,
		Burst:    cfg.RateLimit.Burst,
		Version:  Version,
	})
	handler := srv.Handler()

	watcher := watchConfig(cfgPath, &current, targets)
	if watcher != nil {
		defer watcher.Stop()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("kvmbroker listening",
			"addr", ln.Addr().String(),
			"version", Version,
			"displays", len(targets.Displays()),
			"vendors", registry.Keys(),
		)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if tsClose := initTailscale(gctx, cfg, handler); tsClose != nil {
		defer tsClose()
	}
	if audit != nil && cfg.Audit.Retention > 0 {
		g.Go(func() error {
			pruneLoop(gctx, audit, &current)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		events.Broadcast(bus.Event{Name: protocol.EventShutdown})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := b.Close(shutdownCtx); err != nil {
			slog.Warn("broker shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// stepTimeouts converts config overrides to profile step bounds.
func stepTimeouts(st config.StepTimeouts) vendor.Timeouts {
	return vendor.Timeouts{
		Navigate: st.Navigate.Std(),
		Fill:     st.Fill.Std(),
		Wait:     st.Wait.Std(),
		Poll:     st.Poll.Std(),
	}
}

// watchConfig hot-reloads displays and timeouts. Listener, token and
// process settings need a restart.
func watchConfig(path string, current *atomic.Pointer[config.Config], targets *target.ConfigProvider) *config.Watcher {
	if _, err := os.Stat(path); err != nil {
		slog.Debug("config file not found, hot reload disabled", "path", path)
		return nil
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	w.OnChange(func(cfg *config.Config) {
		prev := current.Load()
		if cfg.Listen != prev.Listen || cfg.Token != prev.Token {
			slog.Warn("listen address and token changes apply after restart")
		}
		current.Store(cfg)
		targets.Update(cfg)
		slog.Info("config reloaded", "displays", len(cfg.Displays))
	})
	if err := w.Start(); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
		w.Stop()
		return nil
	}
	return w
}

func pruneLoop(ctx context.Context, audit store.AuditStore, current *atomic.Pointer[config.Config]) {
	prune := func() {
		retention := current.Load().Audit.Retention.Std()
		if retention <= 0 {
			return
		}
		n, err := audit.Prune(time.Now().Add(-retention))
		if err != nil {
			slog.Warn("audit prune failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("audit pruned", "deleted", n)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
