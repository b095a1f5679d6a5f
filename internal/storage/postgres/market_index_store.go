package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// MarketIndexStore implements storage.MarketIndexStore using PostgreSQL.
type MarketIndexStore struct {
	pool *Pool
}

// NewMarketIndexStore creates a new MarketIndexStore.
func NewMarketIndexStore(pool *Pool) *MarketIndexStore {
	return &MarketIndexStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MarketIndexStore = (*MarketIndexStore)(nil)

// Insert adds a new point. Returns ErrDuplicateKey if timestamp_ms exists.
func (s *MarketIndexStore) Insert(ctx context.Context, m *domain.MarketIndex) (err error) {
	defer func(start time.Time) { observe("market_index_insert", start, err) }(time.Now())

	if m == nil || m.TimestampMs <= 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO market_index (timestamp_ms, value, total_coins)
		VALUES ($1, $2, $3)
	`

	_, err = s.pool.Exec(ctx, query, m.TimestampMs, m.Value, m.TotalCoins)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert market index: %w", err)
	}
	return nil
}

// GetLatest retrieves the point with the greatest timestamp. Returns ErrNotFound if empty.
func (s *MarketIndexStore) GetLatest(ctx context.Context) (*domain.MarketIndex, error) {
	query := `
		SELECT timestamp_ms, value, total_coins, created_at
		FROM market_index
		ORDER BY timestamp_ms DESC
		LIMIT 1
	`
	return s.getOne(ctx, "market_index_latest", query)
}

// GetEarliest retrieves the point with the smallest timestamp. Returns ErrNotFound if empty.
func (s *MarketIndexStore) GetEarliest(ctx context.Context) (*domain.MarketIndex, error) {
	query := `
		SELECT timestamp_ms, value, total_coins, created_at
		FROM market_index
		ORDER BY timestamp_ms ASC
		LIMIT 1
	`
	return s.getOne(ctx, "market_index_earliest", query)
}

func (s *MarketIndexStore) getOne(ctx context.Context, operation, query string) (m *domain.MarketIndex, err error) {
	defer func(start time.Time) { observe(operation, start, err) }(time.Now())

	m, err = scanMarketIndex(s.pool.QueryRow(ctx, query))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get market index: %w", err)
	}
	return m, nil
}

// ExistsAt reports whether a point exists at the exact timestamp.
func (s *MarketIndexStore) ExistsAt(ctx context.Context, timestampMs int64) (exists bool, err error) {
	defer func(start time.Time) { observe("market_index_exists", start, err) }(time.Now())

	query := `SELECT EXISTS(SELECT 1 FROM market_index WHERE timestamp_ms = $1)`

	if err = s.pool.QueryRow(ctx, query, timestampMs).Scan(&exists); err != nil {
		return false, fmt.Errorf("check market index exists: %w", err)
	}
	return exists, nil
}

// GetTimestampsBetween retrieves all timestamps within [start, end] (inclusive), ordered ASC.
func (s *MarketIndexStore) GetTimestampsBetween(ctx context.Context, start, end int64) (result []int64, err error) {
	defer func(t time.Time) { observe("market_index_timestamps", t, err) }(time.Now())

	query := `
		SELECT timestamp_ms
		FROM market_index
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get market index timestamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		if err = rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan market index timestamp: %w", err)
		}
		result = append(result, ts)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate market index timestamps: %w", err)
	}
	return result, nil
}

// GetByTimeRange retrieves points within [start, end] (inclusive), ordered by timestamp ASC.
func (s *MarketIndexStore) GetByTimeRange(ctx context.Context, start, end int64) (result []*domain.MarketIndex, err error) {
	defer func(t time.Time) { observe("market_index_range", t, err) }(time.Now())

	query := `
		SELECT timestamp_ms, value, total_coins, created_at
		FROM market_index
		WHERE timestamp_ms >= $1 AND timestamp_ms <= $2
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get market index by time range: %w", err)
	}
	defer rows.Close()

	return scanMarketIndexes(rows)
}

// CountBetween counts points within [start, end] (inclusive).
func (s *MarketIndexStore) CountBetween(ctx context.Context, start, end int64) (n int64, err error) {
	defer func(t time.Time) { observe("market_index_count", t, err) }(time.Now())

	query := `SELECT count(*) FROM market_index WHERE timestamp_ms >= $1 AND timestamp_ms <= $2`

	if err = s.pool.QueryRow(ctx, query, start, end).Scan(&n); err != nil {
		return 0, fmt.Errorf("count market index: %w", err)
	}
	return n, nil
}

// DeleteBetween removes points within [start, end] (inclusive).
func (s *MarketIndexStore) DeleteBetween(ctx context.Context, start, end int64) (n int64, err error) {
	defer func(t time.Time) { observe("market_index_delete_between", t, err) }(time.Now())

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM market_index WHERE timestamp_ms >= $1 AND timestamp_ms <= $2`, start, end)
	if err != nil {
		return 0, fmt.Errorf("delete market index between: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteBefore removes points strictly older than timestampMs.
func (s *MarketIndexStore) DeleteBefore(ctx context.Context, timestampMs int64) (n int64, err error) {
	defer func(t time.Time) { observe("market_index_delete_before", t, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM market_index WHERE timestamp_ms < $1`, timestampMs)
	if err != nil {
		return 0, fmt.Errorf("delete market index before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanMarketIndex scans a single row into a MarketIndex.
func scanMarketIndex(row pgx.Row) (*domain.MarketIndex, error) {
	var m domain.MarketIndex
	if err := row.Scan(&m.TimestampMs, &m.Value, &m.TotalCoins, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// scanMarketIndexes scans multiple rows into a slice of MarketIndex.
func scanMarketIndexes(rows pgx.Rows) ([]*domain.MarketIndex, error) {
	var result []*domain.MarketIndex
	for rows.Next() {
		m, err := scanMarketIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("scan market index row: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate market index rows: %w", err)
	}
	return result, nil
}
