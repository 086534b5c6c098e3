// cmd/nembilld/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deannos/nem-billing-pipeline/internal/config"
	"github.com/deannos/nem-billing-pipeline/internal/metrics"
	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/publisher"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
	"github.com/deannos/nem-billing-pipeline/internal/registry"
	"github.com/deannos/nem-billing-pipeline/internal/server"
	"github.com/deannos/nem-billing-pipeline/internal/store"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs", "Path to the configuration directory")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid billing location", zap.Error(err))
	}
	if cfg.Metrics.Enabled {
		metrics.Init(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateStore, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open state store", zap.Error(err))
	}

	var pub *publisher.Publisher
	if cfg.Publisher.Enabled {
		producer, err := publisher.NewProducer(cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to setup Kafka producer", zap.Error(err))
		}
		pub = publisher.New(cfg.Kafka, cfg.Publisher, producer, logger)
		pub.Start()
	}

	onRollover := func(ev model.RolloverEvent) {
		logger.Info("Billing period closed",
			zap.String("premise_id", ev.PremiseID),
			zap.Time("reset_at", ev.ResetAt),
			zap.String("carried_kwh", ev.CarriedKWh.String()),
			zap.Bool("forfeited", ev.Forfeited),
		)
		if pub != nil {
			pub.PublishRollover(ev)
		}
	}

	trackers := make([]*tracker.Tracker, 0, len(cfg.Billing.Premises))
	for _, p := range cfg.Billing.Premises {
		mode, err := model.ParseTariffMode(p.TariffMode)
		if err != nil {
			logger.Fatal("Invalid tariff mode", zap.String("premise_id", p.ID), zap.Error(err))
		}
		trackers = append(trackers, tracker.New(tracker.Config{
			PremiseID:  p.ID,
			BillingDay: p.BillingDay,
			Mode:       mode,
			Location:   loc,
		}, logger, tracker.WithRolloverHook(onRollover)))
	}
	reg, err := registry.New(logger, trackers...)
	if err != nil {
		logger.Fatal("Failed to build premise registry", zap.Error(err))
	}
	if err := reg.Each(func(t *tracker.Tracker) error {
		return stateStore.Restore(ctx, t.PremiseID(), t)
	}); err != nil {
		logger.Fatal("Failed to restore premise state", zap.Error(err))
	}

	accessor := rates.NewAccessor()
	if cfg.Rates.File != "" {
		table, err := rates.LoadFile(cfg.Rates.File)
		if err != nil {
			logger.Warn("Failed to load seed rate table", zap.String("file", cfg.Rates.File), zap.Error(err))
		} else {
			accessor.Store(table)
			logger.Info("Seed rate table loaded", zap.String("file", cfg.Rates.File))
		}
	}

	var background sync.WaitGroup
	goBackground := func(fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn()
		}()
	}

	if cfg.Rates.URL != "" {
		fetcher, err := rates.NewFetcher(cfg.Rates.URL, rates.WithTimeout(cfg.Rates.FetchTimeout))
		if err != nil {
			logger.Fatal("Failed to create rate fetcher", zap.Error(err))
		}
		refresher := rates.NewRefresher(fetcher, accessor, logger, cfg.Rates.RefreshInterval, cfg.Rates.RetryMaxElapsed)
		goBackground(func() { refresher.Run(ctx) })
	}

	flusher := store.NewFlusher(stateStore, reg, cfg.Store.FlushInterval, logger)
	goBackground(func() { flusher.Run(ctx) })

	if pub != nil {
		goBackground(func() { pub.RunSnapshots(ctx, reg, accessor, cfg.Publisher.SnapshotInterval) })
	}

	httpServer := server.NewHTTPServer(cfg, reg, accessor, logger)
	if err := httpServer.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	logger.Info("NEM billing service started",
		zap.Int("premises", reg.Len()),
		zap.String("location", loc.String()),
		zap.Bool("publisher_enabled", pub != nil),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout+5*time.Second)
	defer shutdownCancel()

	// 1. Stop accepting samples.
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error during HTTP server shutdown", zap.Error(err))
	}

	// 2. Stop the refresher, flusher and snapshot loop.
	cancel()
	background.Wait()

	// 3. Persist the final state.
	if err := flusher.Flush(shutdownCtx); err != nil {
		logger.Error("Final state flush failed", zap.Error(err))
	}

	// 4. Drain queued events.
	if pub != nil {
		pub.Stop()
	}

	if err := stateStore.Close(); err != nil {
		logger.Error("Error closing state store", zap.Error(err))
	}
	logger.Info("Service exited")
}
