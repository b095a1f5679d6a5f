package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// PriceHistoryStore implements storage.PriceHistoryStore using ClickHouse.
type PriceHistoryStore struct {
	conn *Conn
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(conn *Conn) *PriceHistoryStore {
	return &PriceHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// InsertBulk adds multiple samples. Fails entire batch on duplicate (symbol, timestamp_ms).
// MergeTree does not enforce uniqueness, so duplicates are checked before the batch is sent.
func (s *PriceHistoryStore) InsertBulk(ctx context.Context, samples []*domain.PriceSample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	defer func(start time.Time) { observe("price_history_insert", start, err) }(time.Now())

	type key struct {
		symbol      string
		timestampMs int64
	}
	seen := make(map[key]struct{}, len(samples))
	minTs, maxTs := samples[0].TimestampMs, samples[0].TimestampMs
	for _, p := range samples {
		if p == nil || p.Symbol == "" || p.TimestampMs < 0 {
			return storage.ErrInvalidInput
		}
		k := key{p.Symbol, p.TimestampMs}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
		minTs = min(minTs, p.TimestampMs)
		maxTs = max(maxTs, p.TimestampMs)
	}

	// One range query instead of a lookup per sample
	rows, err := s.conn.Query(ctx, `
		SELECT symbol, timestamp_ms
		FROM price_history
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
	`, uint64(minTs), uint64(maxTs))
	if err != nil {
		return fmt.Errorf("check existing samples: %w", err)
	}
	for rows.Next() {
		var symbol string
		var ts uint64
		if err = rows.Scan(&symbol, &ts); err != nil {
			rows.Close()
			return fmt.Errorf("scan existing sample: %w", err)
		}
		if _, exists := seen[key{symbol, int64(ts)}]; exists {
			rows.Close()
			return storage.ErrDuplicateKey
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterate existing samples: %w", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO price_history (symbol, timestamp_ms, price)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range samples {
		if err = batch.Append(p.Symbol, uint64(p.TimestampMs), p.Price); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetLatestAsOf retrieves, per symbol, the latest sample within (asOf - lookbackMs, asOf].
func (s *PriceHistoryStore) GetLatestAsOf(ctx context.Context, asOf, lookbackMs int64) (result []*domain.PriceSample, err error) {
	defer func(start time.Time) { observe("price_history_latest_as_of", start, err) }(time.Now())

	lower := asOf - lookbackMs
	if lower < 0 {
		lower = -1
	}

	query := `
		SELECT symbol, max(timestamp_ms) AS ts, argMax(price, timestamp_ms) AS price
		FROM price_history
		WHERE timestamp_ms > ? AND timestamp_ms <= ?
		GROUP BY symbol
		ORDER BY symbol ASC
	`

	rows, err := s.conn.Query(ctx, query, lower, uint64(asOf))
	if err != nil {
		return nil, fmt.Errorf("query latest as of: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// GetBySymbol retrieves samples for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
func (s *PriceHistoryStore) GetBySymbol(ctx context.Context, symbol string, start, end int64) (result []*domain.PriceSample, err error) {
	defer func(t time.Time) { observe("price_history_by_symbol", t, err) }(time.Now())

	query := `
		SELECT symbol, timestamp_ms, price
		FROM price_history
		WHERE symbol = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by symbol: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// DeleteBefore removes samples strictly older than timestampMs.
// The mutation runs synchronously so the returned count is accurate.
func (s *PriceHistoryStore) DeleteBefore(ctx context.Context, timestampMs int64) (n int64, err error) {
	defer func(start time.Time) { observe("price_history_delete_before", start, err) }(time.Now())

	var count uint64
	err = s.conn.QueryRow(ctx,
		`SELECT count(*) FROM price_history WHERE timestamp_ms < ?`, uint64(timestampMs),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count samples before: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	syncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
	err = s.conn.Exec(syncCtx, `ALTER TABLE price_history DELETE WHERE timestamp_ms < ?`, uint64(timestampMs))
	if err != nil {
		return 0, fmt.Errorf("delete samples before: %w", err)
	}
	return int64(count), nil
}

// scanPriceSamples scans multiple rows.
func scanPriceSamples(rows chRows) ([]*domain.PriceSample, error) {
	var samples []*domain.PriceSample

	for rows.Next() {
		var p domain.PriceSample
		var timestampMs uint64

		if err := rows.Scan(&p.Symbol, &timestampMs, &p.Price); err != nil {
			return nil, fmt.Errorf("scan price history row: %w", err)
		}

		p.TimestampMs = int64(timestampMs)
		samples = append(samples, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history rows: %w", err)
	}

	return samples, nil
}
