package reconcile

import (
	"context"
	"errors"
	"testing"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/storage"
	"market-breadth/internal/storage/memory"
)

const minute = int64(60000)

func newTestReconciler() (*Reconciler, *memory.MarketIndexStore, *memory.PriceHistoryStore) {
	idx := memory.NewMarketIndexStore()
	hist := memory.NewPriceHistoryStore()
	return New(Options{IndexStore: idx, HistoryStore: hist, Logger: logger.Discard()}), idx, hist
}

func mustInsert(t *testing.T, idx *memory.MarketIndexStore, ts int64, v float64) {
	t.Helper()
	if err := idx.Insert(context.Background(), &domain.MarketIndex{TimestampMs: ts, Value: v}); err != nil {
		t.Fatalf("Insert(%d) failed: %v", ts, err)
	}
}

func constCompute(v float64) ComputeFunc {
	return func(_ context.Context, ts int64) (*domain.MarketIndex, error) {
		return &domain.MarketIndex{TimestampMs: ts, Value: v, TotalCoins: 1}, nil
	}
}

func TestFindGaps_SingleMissing(t *testing.T) {
	r, idx, _ := newTestReconciler()
	ctx := context.Background()

	t0 := int64(1700000000000)
	mustInsert(t, idx, t0, 0)
	mustInsert(t, idx, t0+2*minute, 0)

	gaps, err := r.FindGaps(ctx, t0, t0+2*minute, 60)
	if err != nil {
		t.Fatalf("FindGaps failed: %v", err)
	}
	if len(gaps) != 1 || gaps[0] != t0+minute {
		t.Errorf("Expected [%d], got %v", t0+minute, gaps)
	}
}

func TestFindGaps_EmptyStoreAndOrder(t *testing.T) {
	r, _, _ := newTestReconciler()

	gaps, err := r.FindGaps(context.Background(), 0, 3*minute, 60)
	if err != nil {
		t.Fatalf("FindGaps failed: %v", err)
	}
	want := []int64{0, minute, 2 * minute, 3 * minute}
	if len(gaps) != len(want) {
		t.Fatalf("Expected %v, got %v", want, gaps)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("Index %d: expected %d, got %d", i, want[i], gaps[i])
		}
	}
}

func TestFindGaps_InvalidInput(t *testing.T) {
	r, _, _ := newTestReconciler()
	ctx := context.Background()

	if _, err := r.FindGaps(ctx, 0, minute, 0); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for zero interval, got %v", err)
	}
	if _, err := r.FindGaps(ctx, minute, 0, 60); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for inverted range, got %v", err)
	}
}

func TestBackfill_FillsAndContinuesAfterFailure(t *testing.T) {
	r, idx, _ := newTestReconciler()
	ctx := context.Background()

	var order []int64
	compute := func(_ context.Context, ts int64) (*domain.MarketIndex, error) {
		order = append(order, ts)
		if ts == 2*minute {
			return nil, domain.ErrBackfillCompute
		}
		return &domain.MarketIndex{Value: 1}, nil
	}

	res := r.Backfill(ctx, []int64{minute, 2 * minute, 3 * minute}, compute)

	if res.Filled != 2 || res.Failed != 1 {
		t.Errorf("Expected 2 filled 1 failed, got %+v", res)
	}
	if len(order) != 3 || order[0] != minute || order[2] != 3*minute {
		t.Errorf("Expected ascending processing, got %v", order)
	}
	for _, ts := range []int64{minute, 3 * minute} {
		if ok, _ := idx.ExistsAt(ctx, ts); !ok {
			t.Errorf("Expected point at %d", ts)
		}
	}
}

func TestBackfill_SkipsExisting(t *testing.T) {
	r, idx, _ := newTestReconciler()
	ctx := context.Background()

	mustInsert(t, idx, minute, 7)

	res := r.Backfill(ctx, []int64{minute}, constCompute(1))
	if res.Skipped != 1 || res.Filled != 0 {
		t.Errorf("Expected 1 skipped, got %+v", res)
	}

	got, _ := idx.GetLatest(ctx)
	if got.Value != 7 {
		t.Errorf("Expected live value 7 to survive, got %v", got.Value)
	}
}

// racingStore reports a timestamp as absent and then loses the insert race.
type racingStore struct {
	*memory.MarketIndexStore
}

func (racingStore) ExistsAt(context.Context, int64) (bool, error) { return false, nil }

func (racingStore) Insert(context.Context, *domain.MarketIndex) error {
	return storage.ErrDuplicateKey
}

func TestBackfill_DuplicateIsConflictNotFailure(t *testing.T) {
	r := New(Options{IndexStore: racingStore{memory.NewMarketIndexStore()}, Logger: logger.Discard()})

	res := r.Backfill(context.Background(), []int64{minute, 2 * minute}, constCompute(1))
	if res.Conflicts != 2 || res.Failed != 0 {
		t.Errorf("Expected 2 conflicts, got %+v", res)
	}
}

func TestBackfill_StopsOnCancel(t *testing.T) {
	r, _, _ := newTestReconciler()
	ctx, cancel := context.WithCancel(context.Background())

	compute := func(_ context.Context, ts int64) (*domain.MarketIndex, error) {
		if ts == minute {
			cancel()
		}
		return &domain.MarketIndex{}, nil
	}

	res := r.Backfill(ctx, []int64{minute, 2 * minute, 3 * minute}, compute)
	if res.Filled+res.Failed > 1 {
		t.Errorf("Expected at most one processed gap after cancel, got %+v", res)
	}
}

func TestReconcile_EndToEnd(t *testing.T) {
	r, idx, _ := newTestReconciler()
	ctx := context.Background()

	t0 := int64(1700000040000)
	mustInsert(t, idx, t0, 0)
	mustInsert(t, idx, t0+3*minute, 0)

	res, err := r.Reconcile(ctx, "manual", t0, t0+3*minute, 60, constCompute(2))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Gaps != 2 || res.Filled != 2 || res.Failed != 0 {
		t.Errorf("Expected 2 gaps filled, got %+v", res)
	}

	n, err := idx.CountBetween(ctx, t0, t0+3*minute)
	if err != nil {
		t.Fatalf("CountBetween failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected contiguous series of 4, got %d", n)
	}
}

func TestPurgeBefore(t *testing.T) {
	r, idx, hist := newTestReconciler()
	ctx := context.Background()

	for k := int64(0); k < 4; k++ {
		mustInsert(t, idx, (k+1)*minute, 0)
	}
	if err := hist.InsertBulk(ctx, []*domain.PriceSample{
		{Symbol: "A", Price: 1, TimestampMs: minute},
		{Symbol: "A", Price: 1, TimestampMs: 3 * minute},
	}); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	res, err := r.PurgeBefore(ctx, 3*minute)
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if res.IndexPoints != 2 || res.PriceSamples != 1 {
		t.Errorf("Expected 2 index points and 1 sample purged, got %+v", res)
	}

	earliest, _ := idx.GetEarliest(ctx)
	if earliest.TimestampMs != 3*minute {
		t.Errorf("Expected earliest 3m, got %d", earliest.TimestampMs)
	}
}
