package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/config"
	"market-breadth/internal/storage"
	chstore "market-breadth/internal/storage/clickhouse"
	"market-breadth/internal/storage/memory"
	"market-breadth/internal/storage/migrations"
	pgstore "market-breadth/internal/storage/postgres"
	redisstore "market-breadth/internal/storage/redis"
)

// allStores holds all storage implementations.
type allStores struct {
	indexStore   storage.MarketIndexStore
	baseStore    storage.BasePriceStore
	historyStore storage.PriceHistoryStore
	waveStore    storage.WaveStateStore
	cache        storage.SnapshotCache
	backend      string
}

// createStores creates all required stores and runs migrations.
func createStores(ctx context.Context, cfg config.StorageConfig, log *logrus.Entry) (*allStores, func(), error) {
	if cfg.UseMemory {
		stores := &allStores{
			indexStore:   memory.NewMarketIndexStore(),
			baseStore:    memory.NewBasePriceStore(),
			historyStore: memory.NewPriceHistoryStore(),
			waveStore:    memory.NewWaveStateStore(),
			cache:        memory.NewSnapshotCache(),
			backend:      "memory",
		}
		return stores, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	// ClickHouse
	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse: %w", err)
	}

	stores := &allStores{
		// PostgreSQL stores (index series + bases)
		indexStore: pgstore.NewMarketIndexStore(pool),
		baseStore:  pgstore.NewBasePriceStore(pool),

		// ClickHouse stores (price archive)
		historyStore: chstore.NewPriceHistoryStore(chConn),

		waveStore: memory.NewWaveStateStore(),
		cache:     memory.NewSnapshotCache(),
		backend:   "postgres+clickhouse",
	}

	closers := []func(){
		func() { chConn.Close() },
		pool.Close,
	}

	// Redis (wave state + snapshot cache), optional
	if cfg.RedisAddr != "" {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			chConn.Close()
			pool.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		stores.waveStore = redisstore.NewWaveStateStore(client)
		stores.cache = redisstore.NewSnapshotCache(client, cfg.SnapshotTTL)
		stores.backend += "+redis"
		closers = append([]func(){func() { client.Close() }}, closers...)
	}

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	return stores, cleanup, nil
}
