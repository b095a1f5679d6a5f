package storage

import (
	"context"

	"market-breadth/internal/domain"
)

// MarketIndexStore provides access to market_index storage.
type MarketIndexStore interface {
	// Insert adds a new point. Returns ErrDuplicateKey if timestamp_ms exists.
	Insert(ctx context.Context, m *domain.MarketIndex) error

	// GetLatest retrieves the point with the greatest timestamp. Returns ErrNotFound if empty.
	GetLatest(ctx context.Context) (*domain.MarketIndex, error)

	// GetEarliest retrieves the point with the smallest timestamp. Returns ErrNotFound if empty.
	GetEarliest(ctx context.Context) (*domain.MarketIndex, error)

	// ExistsAt reports whether a point exists at the exact timestamp.
	ExistsAt(ctx context.Context, timestampMs int64) (bool, error)

	// GetTimestampsBetween retrieves all timestamps within [start, end] (inclusive), ordered ASC.
	GetTimestampsBetween(ctx context.Context, start, end int64) ([]int64, error)

	// GetByTimeRange retrieves points within [start, end] (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.MarketIndex, error)

	// CountBetween counts points within [start, end] (inclusive).
	CountBetween(ctx context.Context, start, end int64) (int64, error)

	// DeleteBetween removes points within [start, end] (inclusive). Returns the number removed.
	DeleteBetween(ctx context.Context, start, end int64) (int64, error)

	// DeleteBefore removes points strictly older than timestampMs. Returns the number removed.
	DeleteBefore(ctx context.Context, timestampMs int64) (int64, error)
}

// BasePriceStore provides access to base_price storage.
type BasePriceStore interface {
	// SaveAll upserts base prices keyed by symbol.
	SaveAll(ctx context.Context, prices []*domain.BasePrice) error

	// DeleteBySymbol removes the base price of a symbol. Missing symbols are not an error.
	DeleteBySymbol(ctx context.Context, symbol string) error

	// GetAll retrieves all base prices, ordered by symbol ASC.
	GetAll(ctx context.Context) ([]*domain.BasePrice, error)
}

// PriceHistoryStore provides access to the price_history archive.
type PriceHistoryStore interface {
	// InsertBulk adds multiple samples. Fails entire batch on duplicate (symbol, timestamp_ms).
	InsertBulk(ctx context.Context, samples []*domain.PriceSample) error

	// GetLatestAsOf retrieves, per symbol, the latest sample within (asOf - lookbackMs, asOf],
	// ordered by symbol ASC.
	GetLatestAsOf(ctx context.Context, asOf, lookbackMs int64) ([]*domain.PriceSample, error)

	// GetBySymbol retrieves samples for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
	GetBySymbol(ctx context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error)

	// DeleteBefore removes samples strictly older than timestampMs. Returns the number removed.
	DeleteBefore(ctx context.Context, timestampMs int64) (int64, error)
}

// WaveStateStore persists per-symbol uptrend tracker state.
type WaveStateStore interface {
	// SaveAll upserts states keyed by symbol.
	SaveAll(ctx context.Context, states []*domain.WaveState) error

	// GetAll retrieves all states, ordered by symbol ASC.
	GetAll(ctx context.Context) ([]*domain.WaveState, error)

	// Delete removes the state of a symbol. Missing symbols are not an error.
	Delete(ctx context.Context, symbol string) error
}

// SnapshotCache holds the latest snapshots for the presentation layer.
type SnapshotCache interface {
	// PutDistribution replaces the cached distribution snapshot.
	PutDistribution(ctx context.Context, s *domain.DistributionSnapshot) error

	// GetDistribution returns the cached distribution snapshot. Returns ErrNotFound if absent.
	GetDistribution(ctx context.Context) (*domain.DistributionSnapshot, error)

	// PutUptrend replaces the cached uptrend snapshot.
	PutUptrend(ctx context.Context, s *domain.UptrendSnapshot) error

	// GetUptrend returns the cached uptrend snapshot. Returns ErrNotFound if absent.
	GetUptrend(ctx context.Context) (*domain.UptrendSnapshot, error)
}
