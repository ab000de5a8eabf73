package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"loand/bus"
	"loand/config"
	"loand/events"
	"loand/lifecycle"
	"loand/liquidator"
	"loand/market"
	"loand/observability/logging"
	telemetry "loand/observability/otel"
	"loand/risk"
	"loand/server"
	"loand/storage"
	"loand/venues"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("loand: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to loand configuration (optional)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Log.Level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(
			cfg.Log.File, cfg.Log.FileMaxSizeMB, cfg.Log.FileMaxBackups, cfg.Log.FileMaxAgeDays))
	}
	logger := logging.Setup("loand", cfg.Environment, logOpts...)

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "loand",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	kafka, err := bus.NewKafka(cfg.Bus.Endpoint, bus.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer func() { _ = kafka.Close() }()

	emitter, err := events.NewEmitter(kafka, cfg.Bus.LoanEventsTopic,
		events.WithRetryPolicy(cfg.Bus.PublishAttempts, 500*time.Millisecond, 30*time.Second),
		events.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build emitter: %w", err)
	}

	board := market.NewBoard(cfg.Market.MaxTickAge.Duration,
		market.WithDebounce(cfg.Market.Debounce.Duration))
	feed := market.NewFeed(kafka, board, cfg.Bus.MosEspaTopic, cfg.Bus.BlackSpireTopic,
		market.WithFeedLogger(logger))

	engine := lifecycle.New(store, emitter, lifecycle.WithLogger(logger))

	httpClient := venues.NewHTTPClient(cfg.Venues.DialTimeout.Duration, cfg.Venues.HTTPTimeout.Duration)
	clients := []venues.OrderClient{
		venues.NewMosEspa(httpClient, cfg.Venues.MosEspaURL),
		venues.NewBlackSpire(httpClient, cfg.Venues.BlackSpireURL),
	}

	// Each process gets a fresh lease owner identity so restarts never
	// collide with their own stale leases.
	owner := uuid.NewString()
	worker := liquidator.NewWorker(store, board, emitter, clients, owner,
		liquidator.WithLeaseTTL(cfg.Liquidation.LeaseTTL.Duration),
		liquidator.WithRetryPolicy(cfg.Liquidation.RetryBase.Duration, cfg.Liquidation.RetryCap.Duration),
		liquidator.WithWorkerLogger(logger))
	pool := liquidator.NewPool(store, worker, cfg.Liquidation.Workers,
		liquidator.WithQueueSize(cfg.Liquidation.QueueSize),
		liquidator.WithSweepInterval(cfg.Liquidation.SweepInterval.Duration),
		liquidator.WithPoolLogger(logger))

	thresholds, err := risk.ThresholdsFromPercent(
		cfg.Policy.ActivationThresholdPct, cfg.Policy.LiquidationThresholdPct)
	if err != nil {
		return fmt.Errorf("policy thresholds: %w", err)
	}
	evaluator := risk.New(store, board, emitter, pool, thresholds,
		risk.WithNudge(engine.Nudge()),
		risk.WithLogger(logger))

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		ReadTimeout:   cfg.Server.ReadTimeout.Duration,
		WriteTimeout:  cfg.Server.WriteTimeout.Duration,
	}, engine, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return feed.Run(groupCtx) })
	group.Go(func() error { return evaluator.Run(groupCtx) })
	group.Go(func() error { return pool.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })
	if window := cfg.RequestWindow.Duration; window > 0 {
		group.Go(func() error { return pruneLoop(groupCtx, store, window, logger) })
	}

	logger.Info("loand started",
		"listen", cfg.ListenAddress,
		"environment", cfg.Environment,
		"workers", cfg.Liquidation.Workers,
		"leaseOwner", owner)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("loand stopped")
	return nil
}

// pruneLoop trims processed-request records older than the retention window.
// Idempotency only has to hold within the window, so anything past it is
// garbage.
func pruneLoop(ctx context.Context, store *storage.Store, window time.Duration, logger *slog.Logger) error {
	interval := window / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			pruned, err := store.PruneRequests(ctx, now.Add(-window))
			if err != nil {
				logger.Warn("request prune failed", "error", err.Error())
				continue
			}
			if pruned > 0 {
				logger.Info("pruned processed requests", "count", pruned)
			}
		}
	}
}
