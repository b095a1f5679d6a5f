// Package main runs one reconcile or retention pass against the persisted market index series.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/bucket"
	"market-breadth/internal/config"
	"market-breadth/internal/distribution"
	"market-breadth/internal/feed"
	"market-breadth/internal/history"
	"market-breadth/internal/logger"
	"market-breadth/internal/reconcile"
	"market-breadth/internal/registry"
	"market-breadth/internal/storage"
	chstore "market-breadth/internal/storage/clickhouse"
	"market-breadth/internal/storage/memory"
	"market-breadth/internal/storage/migrations"
	pgstore "market-breadth/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		logger.Component("backfill").WithError(err).Fatal("backfill failed")
	}
}

// run performs one pass and returns its error, so deferred store closes always run.
func run() error {
	// Parse flags
	configPath := flag.String("config", os.Getenv("BREADTH_CONFIG"), "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
	fromTime := flag.String("from-time", "", "Start time (RFC3339), default now - reconcile window")
	toTime := flag.String("to-time", "", "End time (RFC3339), default the last interval boundary")
	purge := flag.Bool("purge", false, "Run retention purge instead of backfill")
	dryRun := flag.Bool("dry-run", false, "Only report gaps, do not compute or insert")
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Init(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	log := logger.Component("backfill")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	indexStore, baseStore, historyStore, cleanup, err := openStores(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer cleanup()

	reconciler := reconcile.New(reconcile.Options{IndexStore: indexStore, HistoryStore: historyStore})

	if *purge {
		res, err := reconciler.PurgeBefore(ctx, time.Now().Add(-cfg.Retention).UnixMilli())
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		report(*outputJSON, res)
		return nil
	}

	// Determine time range
	intervalMs := cfg.Interval.Milliseconds()
	to := time.Now().UnixMilli()
	to = to - to%intervalMs - intervalMs
	from := to - cfg.ReconcileWindow.Milliseconds()
	if *fromTime != "" {
		if from, err = parseTime("from-time", *fromTime); err != nil {
			return err
		}
	}
	if *toTime != "" {
		if to, err = parseTime("to-time", *toTime); err != nil {
			return err
		}
	}
	// align to the series grid
	from -= from % intervalMs
	if to < from {
		return errors.New("--to-time must not be before --from-time")
	}

	if *dryRun {
		gaps, err := reconciler.FindGaps(ctx, from, to, int64(cfg.Interval/time.Second))
		if err != nil {
			return fmt.Errorf("find gaps: %w", err)
		}
		report(*outputJSON, map[string]interface{}{"from": from, "to": to, "gaps": len(gaps), "timestamps": gaps})
		return nil
	}

	reg := registry.New(registry.Options{})
	if _, err := reg.Load(ctx, baseStore); err != nil {
		return fmt.Errorf("load base prices: %w", err)
	}

	histOpts := history.Options{
		History:  historyStore,
		Registry: reg,
		Engine:   distribution.NewEngine(nil),
		Edges:    bucket.Edges(cfg.DistributionEdges),
		Lookback: cfg.ArchiveLookback,
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

	log.WithFields(logrus.Fields{"from": from, "to": to, "bases": reg.Len()}).Info("backfilling")
	res, err := reconciler.Reconcile(ctx, "manual", from, to, int64(cfg.Interval/time.Second), computer.ComputeAt)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	report(*outputJSON, res)
	return nil
}

// openStores opens the persistent stores a backfill needs. Memory storage is
// accepted for smoke runs but starts empty.
func openStores(ctx context.Context, cfg config.StorageConfig, log *logrus.Entry) (storage.MarketIndexStore, storage.BasePriceStore, storage.PriceHistoryStore, func(), error) {
	if cfg.UseMemory {
		log.Warn("memory storage selected, nothing to backfill against")
		return memory.NewMarketIndexStore(), memory.NewBasePriceStore(), memory.NewPriceHistoryStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return pgstore.NewMarketIndexStore(pool), pgstore.NewBasePriceStore(pool), chstore.NewPriceHistoryStore(chConn), cleanup, nil
}

func parseTime(name, value string) (int64, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return t.UnixMilli(), nil
}

func report(asJSON bool, v interface{}) {
	if asJSON {
		output, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(output))
		return
	}
	switch r := v.(type) {
	case *reconcile.Result:
		fmt.Printf("\n=== Backfill Summary ===\n")
		fmt.Printf("Gaps:       %d\n", r.Gaps)
		fmt.Printf("Filled:     %d\n", r.Filled)
		fmt.Printf("Skipped:    %d\n", r.Skipped)
		fmt.Printf("Conflicts:  %d\n", r.Conflicts)
		fmt.Printf("Failed:     %d\n", r.Failed)
		fmt.Printf("Duration:   %v\n", r.Duration)
	case reconcile.PurgeResult:
		fmt.Printf("\n=== Purge Summary ===\n")
		fmt.Printf("Index points:   %d\n", r.IndexPoints)
		fmt.Printf("Price samples:  %d\n", r.PriceSamples)
	default:
		output, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(output))
	}
}
