// Package main initializes and starts the beacon agent: the offline-first
// safety telemetry queue, its sync engine and the local producer API.
package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rakshanet/beacon/internal/config"
	"github.com/rakshanet/beacon/internal/logger"
	"github.com/rakshanet/beacon/internal/metrics"
	"github.com/rakshanet/beacon/internal/server/handler/http"
	"github.com/rakshanet/beacon/internal/storage"
	"github.com/rakshanet/beacon/internal/syncer"
	"github.com/rakshanet/beacon/internal/tracker"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the durable category store and run schema migration.
	store, err := storage.Open(ctx, options.DatabaseDSN, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot open durable store", zap.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Connectivity prober against the acceptor and the sync engine.
	prober := tracker.NewProber(options.AcceptorURL, 10*time.Second, zapLogger)
	acceptor := syncer.NewClient(options.AcceptorURL, syncer.DefaultEndpoints(), 10*time.Second)
	engine := syncer.NewEngine(store, acceptor, prober.Online, m, zapLogger)

	// The UI pushes raw fixes through the local API into this source.
	source := tracker.NewChannelSource(64)

	trk := tracker.New(store, engine, source, prober, m, zapLogger)
	trk.SetSyncInterval(options.SyncInterval)

	handler := &http.Handler{Tracker: trk, Source: source}
	router := http.NewRouter(handler, registry, zapLogger)

	server := &nethttp.Server{
		Addr:    options.ListenAddr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zapLogger.Info("starting local API", zap.String("addr", options.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		trk.StopTracking()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zapLogger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
	zapLogger.Info("agent stopped")
}
