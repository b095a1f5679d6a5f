package memory

import (
	"context"
	"errors"
	"testing"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

func TestPriceHistoryStore_InsertBulkAndGet(t *testing.T) {
	store := NewPriceHistoryStore()
	ctx := context.Background()

	samples := []*domain.PriceSample{
		{Symbol: "BTCUSDT", Price: 100, TimestampMs: 2000},
		{Symbol: "BTCUSDT", Price: 101, TimestampMs: 1000},
		{Symbol: "ETHUSDT", Price: 10, TimestampMs: 1000},
	}
	if err := store.InsertBulk(ctx, samples); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := store.GetBySymbol(ctx, "BTCUSDT", 0, 5000)
	if err != nil {
		t.Fatalf("GetBySymbol failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(got))
	}
	if got[0].TimestampMs != 1000 || got[1].TimestampMs != 2000 {
		t.Errorf("Expected timestamp ASC order, got %d, %d", got[0].TimestampMs, got[1].TimestampMs)
	}
}

func TestPriceHistoryStore_IntraBatchDuplicate(t *testing.T) {
	store := NewPriceHistoryStore()
	ctx := context.Background()

	samples := []*domain.PriceSample{
		{Symbol: "BTCUSDT", Price: 100, TimestampMs: 1000},
		{Symbol: "BTCUSDT", Price: 101, TimestampMs: 1000}, // duplicate key
	}

	err := store.InsertBulk(ctx, samples)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for intra-batch duplicate, got %v", err)
	}

	// Verify nothing was inserted
	result, _ := store.GetBySymbol(ctx, "BTCUSDT", 0, 5000)
	if len(result) != 0 {
		t.Errorf("Expected 0 samples (rollback), got %d", len(result))
	}
}

func TestPriceHistoryStore_GetLatestAsOf(t *testing.T) {
	store := NewPriceHistoryStore()
	ctx := context.Background()

	_ = store.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "BTCUSDT", Price: 100, TimestampMs: 1000},
		{Symbol: "BTCUSDT", Price: 105, TimestampMs: 2000},
		{Symbol: "BTCUSDT", Price: 110, TimestampMs: 4000}, // after asOf
		{Symbol: "ETHUSDT", Price: 10, TimestampMs: 500},   // outside lookback
		{Symbol: "SOLUSDT", Price: 20, TimestampMs: 3000},
	})

	got, err := store.GetLatestAsOf(ctx, 3000, 2000)
	if err != nil {
		t.Fatalf("GetLatestAsOf failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 symbols, got %d", len(got))
	}
	if got[0].Symbol != "BTCUSDT" || got[0].Price != 105 {
		t.Errorf("Expected BTCUSDT@105, got %s@%v", got[0].Symbol, got[0].Price)
	}
	if got[1].Symbol != "SOLUSDT" {
		t.Errorf("Expected SOLUSDT, got %s", got[1].Symbol)
	}
}

func TestPriceHistoryStore_DeleteBefore(t *testing.T) {
	store := NewPriceHistoryStore()
	ctx := context.Background()

	_ = store.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "BTCUSDT", Price: 100, TimestampMs: 1000},
		{Symbol: "BTCUSDT", Price: 105, TimestampMs: 2000},
	})

	n, err := store.DeleteBefore(ctx, 2000)
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 purged, got %d", n)
	}
}
