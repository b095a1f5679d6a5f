package history

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"market-breadth/internal/bucket"
	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/registry"
	"market-breadth/internal/storage/memory"
)

var edges = bucket.Edges{-10, -5, 0, 5, 10}

type fakeKlines struct {
	prices map[string]float64
	calls  int
	err    error
}

func (f *fakeKlines) PricesAt(ctx context.Context, symbols []string, ts int64) ([]domain.PriceSample, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.PriceSample
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out = append(out, domain.PriceSample{Symbol: s, Price: p, TimestampMs: ts})
		}
	}
	return out, nil
}

// newRegistry creates bases at createdAt.
func newRegistry(t *testing.T, createdAt time.Time, bases map[string]float64) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Options{Logger: logger.Discard(), Now: func() time.Time { return createdAt }})
	for s, p := range bases {
		if err := r.SetBase(s, p); err != nil {
			t.Fatalf("SetBase: %v", err)
		}
	}
	return r
}

func newComputer(t *testing.T, hist *memory.PriceHistoryStore, reg *registry.Registry, k KlinePricer) *Computer {
	t.Helper()
	c, err := New(Options{
		History:  hist,
		Klines:   k,
		Registry: reg,
		Edges:    edges,
		Lookback: time.Minute,
		Logger:   logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestComputeAt_FromArchive(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, time.UnixMilli(0), map[string]float64{"A": 100, "B": 100})
	hist := memory.NewPriceHistoryStore()
	err := hist.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "A", Price: 90, TimestampMs: 50_000},
		{Symbol: "A", Price: 110, TimestampMs: 60_000},
		{Symbol: "A", Price: 500, TimestampMs: 70_000}, // after target, never used
		{Symbol: "B", Price: 100, TimestampMs: 55_000},
	})
	if err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}

	k := &fakeKlines{}
	c := newComputer(t, hist, reg, k)

	point, err := c.ComputeAt(ctx, 60_000)
	if err != nil {
		t.Fatalf("ComputeAt: %v", err)
	}
	if point.TimestampMs != 60_000 || point.TotalCoins != 2 {
		t.Errorf("unexpected point %+v", point)
	}
	// A +10, B 0 -> mean 5
	if math.Abs(point.Value-5) > 1e-9 {
		t.Errorf("Value = %v, want 5", point.Value)
	}
	if k.calls != 0 {
		t.Errorf("klines should not be used when the archive has data")
	}
}

func TestComputeAt_HidesLaterBases(t *testing.T) {
	ctx := context.Background()
	clock := time.UnixMilli(0)
	reg := registry.New(registry.Options{Logger: logger.Discard(), Now: func() time.Time { return clock }})
	reg.SetBase("A", 100)
	// B listed after the target timestamp
	clock = time.UnixMilli(120_000)
	reg.SetBase("B", 100)

	hist := memory.NewPriceHistoryStore()
	hist.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "A", Price: 120, TimestampMs: 60_000},
		{Symbol: "B", Price: 200, TimestampMs: 60_000},
	})

	c := newComputer(t, hist, reg, nil)
	snap, err := c.SnapshotAt(ctx, 60_000)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if snap.TotalCoins != 1 || snap.AllCoinsRanking[0].Symbol != "A" {
		t.Errorf("expected only A, got %+v", snap.AllCoinsRanking)
	}
}

func TestComputeAt_KlineFallback(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, time.UnixMilli(0), map[string]float64{"A": 100, "B": 50})
	k := &fakeKlines{prices: map[string]float64{"A": 95, "B": 55}}
	c := newComputer(t, memory.NewPriceHistoryStore(), reg, k)

	snap, err := c.SnapshotAt(ctx, 60_000)
	if err != nil {
		t.Fatalf("SnapshotAt: %v", err)
	}
	if k.calls != 1 {
		t.Errorf("expected one kline call, got %d", k.calls)
	}
	if snap.TotalCoins != 2 || snap.UpCount != 1 || snap.DownCount != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestComputeAt_NoDataIsBackfillError(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, time.UnixMilli(0), map[string]float64{"A": 100})

	c := newComputer(t, memory.NewPriceHistoryStore(), reg, nil)
	if _, err := c.ComputeAt(ctx, 60_000); !errors.Is(err, domain.ErrBackfillCompute) {
		t.Errorf("expected ErrBackfillCompute, got %v", err)
	}

	k := &fakeKlines{err: errors.New("rate limited")}
	c = newComputer(t, memory.NewPriceHistoryStore(), reg, k)
	if _, err := c.ComputeAt(ctx, 60_000); !errors.Is(err, domain.ErrBackfillCompute) {
		t.Errorf("expected ErrBackfillCompute on kline failure, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	_, err := New(Options{
		History:  memory.NewPriceHistoryStore(),
		Registry: registry.New(registry.Options{Logger: logger.Discard()}),
		Edges:    bucket.Edges{5, 1},
	})
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad edges, got %v", err)
	}
}
