// Command cacheserver runs the network-accessible cache daemon: a single
// long-running process with no positional arguments, exiting 0 on
// graceful stop and non-zero when the listener fails to bind or the
// configured capacity is invalid (spec.md §6).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rizwan4701798/cacheserver/internal/cache"
	"github.com/rizwan4701798/cacheserver/internal/config"
	"github.com/rizwan4701798/cacheserver/internal/events"
	"github.com/rizwan4701798/cacheserver/internal/metrics"
	"github.com/rizwan4701798/cacheserver/internal/persistence"
	"github.com/rizwan4701798/cacheserver/internal/pubsub"
	"github.com/rizwan4701798/cacheserver/internal/server"
	"github.com/rizwan4701798/cacheserver/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		logger.Warn().Str("invalid_level", cfg.LogLevel).Msg("invalid log level, using default 'info'")
	}
	logger = logger.Level(level)

	if cfg.Cache.MaxItems <= 0 {
		logger.Fatal().Int("maxItems", cfg.Cache.MaxItems).Msg("cache.maxItems must be positive")
	}

	recorder := metrics.Recorder{}

	registry := pubsub.NewRegistry(logger, recorder)
	bus := events.NewBus(registry, 4096, logger)
	defer bus.Close()

	engine := cache.NewEngine(
		cfg.Cache.MaxItems,
		cache.WithSink(bus),
		cache.WithMetrics(recorder),
		cache.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshotter *persistence.Snapshotter
	if cfg.Persistence.Enabled {
		snapshotter = persistence.New(engine, cfg.Persistence.Path, logger)
		snapshotter.LoadOnStartup()
	}

	addr := fmt.Sprintf(":%d", cfg.Cache.Port)
	factory := func(id string, conn net.Conn) interface{ Run(context.Context) } {
		return session.New(id, conn, engine, registry, logger, recorder)
	}
	listener, err := server.New(addr, factory, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("address", addr).Msg("failed to bind listener")
	}
	logger.Info().Str("address", addr).Int("capacity", cfg.Cache.MaxItems).Msg("cacheserver listening")

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		engine.RunSweeper(gctx, time.Duration(cfg.Cache.CleanupInterval)*time.Second)
		return nil
	})

	if snapshotter != nil && cfg.Persistence.Interval > 0 {
		group.Go(func() error {
			snapshotter.Run(gctx, time.Duration(cfg.Persistence.Interval)*time.Second)
			return nil
		})
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewHTTPServer("0.0.0.0", cfg.Metrics.Port)
		group.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("serving prometheus metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		return listener.Serve(gctx)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-gctx.Done():
	}

	cancel()
	listener.Shutdown(5 * time.Second)
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if snapshotter != nil {
		if err := snapshotter.Save(); err != nil {
			logger.Warn().Err(err).Msg("final snapshot save failed")
		}
	}

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}

	logger.Info().Msg("server stopped gracefully")
}
