// Package main is the entrypoint for the job cache API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/jobcache/internal/api"
	"github.com/kiranshivaraju/jobcache/internal/api/handler"
	mw "github.com/kiranshivaraju/jobcache/internal/api/middleware"
	"github.com/kiranshivaraju/jobcache/internal/config"
	"github.com/kiranshivaraju/jobcache/internal/jobcache"
	"github.com/kiranshivaraju/jobcache/internal/kv"
	"github.com/kiranshivaraju/jobcache/internal/kv/backend"
	"github.com/kiranshivaraju/jobcache/internal/target"
	"github.com/kiranshivaraju/jobcache/internal/views"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"backend", cfg.Store.Backend, "bucket", cfg.Store.Bucket,
		"keep_jobs", cfg.Jobs.KeepJobs, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the store. One handle for the life of the process.
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Store.DialTimeout)
	store, err := backend.Open(dialCtx, cfg.Store, views.Compiler{}, slog.Default())
	cancel()
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Store.DialTimeout)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	slog.Info("store connected", "backend", cfg.Store.Backend)

	// 3. Metrics, readable through /api/v1/metrics
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	defer mp.Shutdown(context.Background())

	// 4. Build the job cache and router
	srvHandler, vm, err := newHandler(cfg, store, mp, reader)
	if err != nil {
		return err
	}
	if err := vm.Ensure(ctx); err != nil {
		// Reads retry the check; writes do not depend on it.
		slog.Warn("job views not verified at startup", "error", err)
	}

	// 5. Start HTTP server and background work
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if p, ok := store.(backend.Purger); ok {
		g.Go(func() error {
			purgeLoop(gctx, p, cfg.Jobs.PurgeInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newHandler wires the job cache, middleware and routes over store.
func newHandler(cfg *config.Config, store kv.Store, mp metric.MeterProvider, reader handler.Collector) (http.Handler, *views.Manager, error) {
	vm := views.NewManager(store, views.WithSkipVerify(cfg.Jobs.SkipVerifyViews))

	cache, err := jobcache.New(store, vm, cfg.Jobs.KeepJobs,
		jobcache.WithResolver(target.NewMatcher(roster(cfg.Roster))),
		jobcache.WithMeterProvider(mp))
	if err != nil {
		return nil, nil, fmt.Errorf("create job cache: %w", err)
	}

	auth := mw.NewAuth(cfg.Server.APIKeys)
	if auth.Open() {
		slog.Warn("no API keys configured, API is open")
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(cfg.Server.RateLimit),

		HealthHandler:   handler.NewHealthHandler(store, vm),
		AllocateHandler: handler.NewAllocateHandler(cache),
		SaveLoadHandler: handler.NewSaveLoadHandler(cache),
		ReturnHandler:   handler.NewReturnHandler(cache),
		ListJobsHandler: handler.NewListJobsHandler(cache),
		GetJobHandler:   handler.NewGetJobHandler(cache),
		GetLoadHandler:  handler.NewGetLoadHandler(cache),
		MetricsHandler:  handler.NewMetricsHandler(reader),
	})
	return otelhttp.NewHandler(router, "jobcache"), vm, nil
}

func roster(cfg config.RosterConfig) target.Roster {
	if cfg.MinionsDir != "" {
		return target.DirRoster(cfg.MinionsDir)
	}
	return target.StaticRoster(cfg.Minions)
}

// purgeLoop removes expired documents every interval until ctx is done.
func purgeLoop(ctx context.Context, p backend.Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Purge(ctx); err != nil && ctx.Err() == nil {
				slog.Error("purge expired documents failed", "error", err)
			}
		}
	}
}
