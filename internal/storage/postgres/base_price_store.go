package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// BasePriceStore implements storage.BasePriceStore using PostgreSQL.
type BasePriceStore struct {
	pool *Pool
}

// NewBasePriceStore creates a new BasePriceStore.
func NewBasePriceStore(pool *Pool) *BasePriceStore {
	return &BasePriceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BasePriceStore = (*BasePriceStore)(nil)

// SaveAll upserts base prices atomically, keyed by symbol.
func (s *BasePriceStore) SaveAll(ctx context.Context, prices []*domain.BasePrice) (err error) {
	if len(prices) == 0 {
		return nil
	}
	defer func(start time.Time) { observe("base_price_save", start, err) }(time.Now())

	for _, p := range prices {
		if p == nil || p.Symbol == "" || p.Price <= 0 {
			return storage.ErrInvalidInput
		}
	}

	query := `
		INSERT INTO base_price (symbol, price, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE
		SET price = EXCLUDED.price, created_at = EXCLUDED.created_at
	`

	batch := &pgx.Batch{}
	for _, p := range prices {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(query, p.Symbol, p.Price, createdAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert base prices: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteBySymbol removes the base price of a symbol.
func (s *BasePriceStore) DeleteBySymbol(ctx context.Context, symbol string) (err error) {
	defer func(start time.Time) { observe("base_price_delete", start, err) }(time.Now())

	if _, err = s.pool.Exec(ctx, `DELETE FROM base_price WHERE symbol = $1`, symbol); err != nil {
		return fmt.Errorf("delete base price: %w", err)
	}
	return nil
}

// GetAll retrieves all base prices, ordered by symbol ASC.
func (s *BasePriceStore) GetAll(ctx context.Context) (result []*domain.BasePrice, err error) {
	defer func(start time.Time) { observe("base_price_get_all", start, err) }(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT symbol, price, created_at
		FROM base_price
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("get base prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.BasePrice
		if err = rows.Scan(&p.Symbol, &p.Price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan base price row: %w", err)
		}
		result = append(result, &p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate base price rows: %w", err)
	}
	return result, nil
}
