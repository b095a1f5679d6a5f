package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

func TestMarketIndexStore_InsertAndLatest(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMarketIndexStore(pool)
	ctx := context.Background()

	_, err := store.GetLatest(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, ts := range []int64{1700000120000, 1700000000000, 1700000060000} {
		err := store.Insert(ctx, &domain.MarketIndex{TimestampMs: ts, Value: 1.25, TotalCoins: 42})
		require.NoError(t, err)
	}

	latest, err := store.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000120000), latest.TimestampMs)
	assert.Equal(t, 1.25, latest.Value)
	assert.Equal(t, 42, latest.TotalCoins)
	assert.False(t, latest.CreatedAt.IsZero())

	earliest, err := store.GetEarliest(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), earliest.TimestampMs)
}

func TestMarketIndexStore_InsertDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMarketIndexStore(pool)
	ctx := context.Background()

	m := &domain.MarketIndex{TimestampMs: 1700000000000, Value: 0.5, TotalCoins: 3}
	require.NoError(t, store.Insert(ctx, m))

	err := store.Insert(ctx, m)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestMarketIndexStore_TimestampsExistsCount(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMarketIndexStore(pool)
	ctx := context.Background()

	base := int64(1700000000000)
	for _, k := range []int64{0, 2, 3} {
		require.NoError(t, store.Insert(ctx, &domain.MarketIndex{TimestampMs: base + k*60000}))
	}

	ts, err := store.GetTimestampsBetween(ctx, base, base+3*60000)
	require.NoError(t, err)
	assert.Equal(t, []int64{base, base + 120000, base + 180000}, ts)

	exists, err := store.ExistsAt(ctx, base+60000)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.ExistsAt(ctx, base+120000)
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := store.CountBetween(ctx, base, base+120000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	points, err := store.GetByTimeRange(ctx, base+60000, base+180000)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, base+120000, points[0].TimestampMs)
}

func TestMarketIndexStore_Deletes(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewMarketIndexStore(pool)
	ctx := context.Background()

	for k := int64(1); k <= 5; k++ {
		require.NoError(t, store.Insert(ctx, &domain.MarketIndex{TimestampMs: k * 1000}))
	}

	n, err := store.DeleteBefore(ctx, 3000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.DeleteBetween(ctx, 4000, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.CountBetween(ctx, 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
