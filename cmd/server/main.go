// Package main runs the market breadth service: a periodic driver that buckets symbols by
// change percent, tracks uptrend waves, persists the market index series and backfills gaps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-breadth/internal/bucket"
	"market-breadth/internal/config"
	"market-breadth/internal/distribution"
	"market-breadth/internal/feed"
	"market-breadth/internal/history"
	"market-breadth/internal/logger"
	"market-breadth/internal/reconcile"
	"market-breadth/internal/registry"
	"market-breadth/internal/scheduler"
	"market-breadth/internal/uptrend"
)

func main() {
	if err := run(); err != nil {
		logger.Component("server").WithError(err).Fatal("server error")
	}
}

// run wires and runs the service. It returns instead of exiting so deferred
// closes of the feed and store connections always run.
func run() error {
	// Parse flags (env vars as defaults)
	configPath := flag.String("config", os.Getenv("BREADTH_CONFIG"), "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	httpAddr := flag.String("http-addr", "", "HTTP address for health/metrics/status (overrides config)")
	feedMode := flag.String("feed", "", "Price feed: stream or poll (overrides config)")

	flag.Parse()

	// Load .env file if exists
	if err := config.LoadDotEnv(*envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if *useMemory {
			c.Storage.UseMemory = true
		}
		if *httpAddr != "" {
			c.HTTPAddr = *httpAddr
		}
		if *feedMode != "" {
			c.Feed.Mode = *feedMode
		}
	})
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	log := logger.Component("server")

	// Thresholds are validated before anything starts ticking
	tracker, err := uptrend.New(cfg.PullbackThreshold, cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("invalid uptrend configuration: %w", err)
	}
	distEdges := bucket.Edges(cfg.DistributionEdges)
	upEdges := bucket.Edges(cfg.UptrendEdges)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create stores
	stores, cleanup, err := createStores(ctx, cfg.Storage, logger.Component("storage"))
	if err != nil {
		return fmt.Errorf("create stores: %w", err)
	}
	defer cleanup()
	log.WithField("backend", stores.backend).Info("stores ready")

	source, closeSource, err := createSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create price feed: %w", err)
	}
	defer closeSource()

	reg := registry.New(registry.Options{})
	engine := distribution.NewEngine(nil)
	reconciler := reconcile.New(reconcile.Options{
		IndexStore:   stores.indexStore,
		HistoryStore: stores.historyStore,
	})

	histOpts := history.Options{
		History:      stores.historyStore,
		Registry:     reg,
		Engine:       engine,
		Edges:        distEdges,
		UptrendEdges: upEdges,
		HistoryLimit: cfg.HistoryLimit,
		Lookback:     cfg.ArchiveLookback,
	}
	if cfg.Klines.Enabled {
		histOpts.Klines = feed.NewKlineSource(feed.KlineConfig{
			BaseURL:           cfg.Feed.RESTBaseURL,
			Lookback:          cfg.ArchiveLookback,
			RequestsPerSecond: cfg.Klines.RequestsPerSecond,
			Burst:             cfg.Klines.Burst,
		})
	}
	computer, err := history.New(histOpts)
	if err != nil {
		return fmt.Errorf("create historical computer: %w", err)
	}

	driver, err := scheduler.New(scheduler.Options{
		Source:            source,
		Registry:          reg,
		Engine:            engine,
		Tracker:           tracker,
		Reconciler:        reconciler,
		Compute:           computer.ComputeAt,
		IndexStore:        stores.indexStore,
		BaseStore:         stores.baseStore,
		HistoryStore:      stores.historyStore,
		WaveStore:         stores.waveStore,
		Cache:             stores.cache,
		DistributionEdges: distEdges,
		UptrendEdges:      upEdges,
		Interval:          cfg.Interval,
		Retention:         cfg.Retention,
		RetentionCheck:    cfg.RetentionCheck,
		ReconcileWindow:   cfg.ReconcileWindow,
		DelistAfter:       cfg.DelistAfter,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := driver.Restore(ctx); err != nil {
		log.WithError(err).Warn("restore incomplete, continuing with partial state")
	}

	srv := &Server{
		driver:    driver,
		registry:  reg,
		tracker:   tracker,
		stores:    stores,
		log:       log,
		computer:  computer,
		pullback:  cfg.PullbackThreshold,
		maxWindow: cfg.Retention,
	}

	// Channel to signal completion
	done := make(chan struct{})
	defer close(done)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		var sig os.Signal
		select {
		case sig = <-sigCh:
		case <-done:
			return
		}
		log.WithField("signal", sig.String()).Info("received signal, initiating graceful shutdown")
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("received second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	// Start HTTP server
	httpServer := srv.startHTTPServer(cfg.HTTPAddr)

	runErr := driver.Run(ctx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	log.Info("shutdown complete")
	return nil
}

// createSource builds the configured live price feed.
func createSource(ctx context.Context, cfg *config.Config) (feed.Source, func(), error) {
	filter := feed.SymbolFilter{
		QuoteAsset: cfg.Feed.QuoteAsset,
		Exclude:    feed.NewExclude(cfg.Feed.Exclude),
	}

	if cfg.Feed.Mode == config.FeedPoll {
		p := feed.NewPoller(feed.PollerConfig{BaseURL: cfg.Feed.RESTBaseURL, Filter: filter})
		return p, func() {}, nil
	}

	streamCfg := feed.DefaultStreamConfig()
	streamCfg.Endpoint = cfg.Feed.Endpoint
	streamCfg.Filter = filter
	streamCfg.MaxAge = cfg.Feed.MaxAge
	s, err := feed.NewStream(ctx, streamCfg)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
