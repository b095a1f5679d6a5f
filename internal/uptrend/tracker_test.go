package uptrend

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"market-breadth/internal/bucket"
	"market-breadth/internal/domain"
)

func feed(t *testing.T, tr *Tracker, symbol string, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		if !tr.Process(domain.PriceSample{Symbol: symbol, Price: p, TimestampMs: int64(i+1) * 1000}) {
			t.Fatalf("sample %d (%v) was ignored", i, p)
		}
	}
}

func mustNew(t *testing.T, threshold float64) *Tracker {
	t.Helper()
	tr, err := New(threshold, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

func TestNew_RejectsInvalidThreshold(t *testing.T) {
	for _, th := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		if _, err := New(th, 0); !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("New(%v): expected ErrInvalidConfig, got %v", th, err)
		}
	}
}

func TestProcess_PullbackClosesWave(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "SOL", 100, 120, 113.9)

	if _, ok := tr.Wave("SOL"); ok {
		t.Error("Expected no ongoing wave after 5.08% pullback")
	}
	hist := tr.History("SOL")
	if len(hist) != 1 {
		t.Fatalf("Expected 1 closed wave, got %d", len(hist))
	}
	w := hist[0]
	if w.Ongoing {
		t.Error("Expected closed wave to have Ongoing=false")
	}
	if math.Abs(w.UptrendPercent()-20) > 1e-9 {
		t.Errorf("Expected uptrend 20%%, got %v", w.UptrendPercent())
	}
	if w.StartTime != 1000 || w.PeakTime != 2000 {
		t.Errorf("Expected start 1000 peak 2000, got %d, %d", w.StartTime, w.PeakTime)
	}

	st, _ := tr.State("SOL")
	if st.Phase != domain.PhaseSearching || st.TroughPrice != 113.9 {
		t.Errorf("Expected SEARCHING with trough 113.9, got %s %v", st.Phase, st.TroughPrice)
	}
}

func TestProcess_SmallDipKeepsWaveOpen(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "SOL", 100, 120, 115)

	w, ok := tr.Wave("SOL")
	if !ok {
		t.Fatal("Expected wave to stay ongoing after 4.17% pullback")
	}
	if w.PeakPrice != 120 || !w.Ongoing {
		t.Errorf("Expected ongoing wave peaking at 120, got %+v", w)
	}
	if len(tr.History("SOL")) != 0 {
		t.Error("Expected no closed waves")
	}
}

func TestProcess_ExactThresholdCloses(t *testing.T) {
	tr := mustNew(t, 10)
	feed(t, tr, "X", 50, 100, 90)

	if _, ok := tr.Wave("X"); ok {
		t.Error("Expected pullback equal to threshold to close the wave")
	}
}

func TestProcess_TroughFollowsLows(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "X", 100, 90, 90, 80, 85)

	w, ok := tr.Wave("X")
	if !ok {
		t.Fatal("Expected wave after rise off trough")
	}
	if w.StartPrice != 80 || w.StartTime != 4000 {
		t.Errorf("Expected start at trough 80 @4000, got %v @%d", w.StartPrice, w.StartTime)
	}
}

func TestProcess_EqualPriceKeepsEarliestTrough(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "X", 90, 90, 95)

	w, _ := tr.Wave("X")
	if w.StartTime != 1000 {
		t.Errorf("Expected wave to start at first trough time 1000, got %d", w.StartTime)
	}
}

func TestProcess_OutOfOrderIgnored(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "X", 100, 120, 118)

	before, _ := tr.State("X")

	for _, s := range []domain.PriceSample{
		{Symbol: "X", Price: 50, TimestampMs: 2500},  // earlier than last
		{Symbol: "X", Price: 200, TimestampMs: 3000}, // duplicate timestamp
	} {
		if tr.Process(s) {
			t.Errorf("Expected sample at %d to be ignored", s.TimestampMs)
		}
	}

	after, _ := tr.State("X")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("State changed by out-of-order sample:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestProcess_InvalidPriceIgnored(t *testing.T) {
	tr := mustNew(t, 5)
	if tr.Process(domain.PriceSample{Symbol: "X", Price: 0, TimestampMs: 1}) {
		t.Error("Expected zero price to be ignored")
	}
	if tr.Len() != 0 {
		t.Errorf("Expected no tracked symbols, got %d", tr.Len())
	}
}

func TestProcess_WaveMonotonicity(t *testing.T) {
	tr, _ := New(3, 1000)
	rng := rand.New(rand.NewSource(42))

	price := 100.0
	for i := 1; i <= 5000; i++ {
		price *= 1 + (rng.Float64()-0.5)*0.04
		tr.Process(domain.PriceSample{Symbol: "R", Price: price, TimestampMs: int64(i)})
	}

	hist := tr.History("R")
	if len(hist) == 0 {
		t.Fatal("Expected random walk to close waves")
	}
	for _, w := range hist {
		if w.PeakPrice < w.StartPrice || w.PeakTime < w.StartTime {
			t.Errorf("Invariant violated: %+v", w)
		}
		if w.Ongoing {
			t.Errorf("Closed wave marked ongoing: %+v", w)
		}
	}
	if cur, ok := tr.Wave("R"); ok && (cur.PeakPrice < cur.StartPrice || cur.PeakTime < cur.StartTime) {
		t.Errorf("Invariant violated on ongoing wave: %+v", cur)
	}
}

func TestProcessBatch_Stats(t *testing.T) {
	tr := mustNew(t, 5)
	stats := tr.ProcessBatch([]domain.PriceSample{
		{Symbol: "A", Price: 100, TimestampMs: 1},
		{Symbol: "A", Price: 120, TimestampMs: 2},
		{Symbol: "A", Price: 100, TimestampMs: 3},
		{Symbol: "A", Price: 100, TimestampMs: 3},
	})

	want := BatchStats{Processed: 3, Ignored: 1, Opened: 1, Closed: 1}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}
	if tr.ClosedTotal() != 1 {
		t.Errorf("Expected 1 closed total, got %d", tr.ClosedTotal())
	}
}

func TestHistoryLimit(t *testing.T) {
	tr, _ := New(5, 2)
	// three up-and-down waves
	feed(t, tr, "X", 100, 110, 100, 120, 100, 130, 100)

	hist := tr.History("X")
	if len(hist) != 2 {
		t.Fatalf("Expected history capped at 2, got %d", len(hist))
	}
	if hist[1].PeakPrice != 130 {
		t.Errorf("Expected newest wave kept, got %+v", hist[1])
	}
	st, _ := tr.State("X")
	if st.LastClosed == nil || st.LastClosed.PeakPrice != 130 {
		t.Errorf("Expected last closed peak 130, got %+v", st.LastClosed)
	}
}

func TestDelete_DropsOngoingWave(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "X", 100, 150)
	feed(t, tr, "Y", 100, 110, 100)

	tr.Delete("X")
	if _, ok := tr.Wave("X"); ok {
		t.Error("Expected ongoing wave dropped")
	}
	if tr.Len() != 1 {
		t.Errorf("Expected 1 tracked symbol, got %d", tr.Len())
	}

	snap := tr.Snapshot(10, bucket.Edges{5, 10})
	for _, c := range snap.AllCoinsRanking {
		if c.Symbol == "X" {
			t.Error("Deleted symbol appears in snapshot")
		}
	}

	// Slot is reused and starts fresh
	tr.Process(domain.PriceSample{Symbol: "Z", Price: 1, TimestampMs: 1})
	st, ok := tr.State("Z")
	if !ok || st.Phase != domain.PhaseSearching || st.History != nil {
		t.Errorf("Expected fresh state for Z, got %+v", st)
	}
}

func TestSnapshot_Aggregates(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "A", 100, 125, 100) // closed +25
	feed(t, tr, "B", 100, 110, 90)  // closed +10
	feed(t, tr, "C", 100, 150)      // ongoing +50
	feed(t, tr, "D", 100, 90)       // no wave yet

	snap := tr.Snapshot(99, bucket.Edges{5, 10, 20, 30, 50, 100})

	if snap.TotalCoins != 3 {
		t.Errorf("Expected 3 coins, got %d", snap.TotalCoins)
	}
	if snap.OngoingCount != 1 {
		t.Errorf("Expected 1 ongoing, got %d", snap.OngoingCount)
	}
	if math.Abs(snap.AvgUptrend-17.5) > 1e-9 {
		t.Errorf("Expected avg 17.5 over closed waves, got %v", snap.AvgUptrend)
	}
	if math.Abs(snap.MaxUptrend-25) > 1e-9 {
		t.Errorf("Expected max 25 over closed waves, got %v", snap.MaxUptrend)
	}
	if snap.PullbackThreshold != 5 {
		t.Errorf("Expected threshold 5, got %v", snap.PullbackThreshold)
	}

	if snap.AllCoinsRanking[0].Symbol != "C" || !snap.AllCoinsRanking[0].Ongoing {
		t.Errorf("Expected C first and ongoing, got %+v", snap.AllCoinsRanking[0])
	}

	counts := map[string]int{}
	for _, b := range snap.Buckets {
		counts[b.Range] = b.Count
		if b.Range == "50%~100%" && b.OngoingCount != 1 {
			t.Errorf("Expected ongoing count 1 in 50%%~100%%, got %d", b.OngoingCount)
		}
	}
	if counts["10%~20%"] != 1 || counts["20%~30%"] != 1 || counts["50%~100%"] != 1 {
		t.Errorf("Unexpected bucket counts: %v", counts)
	}
}

func TestSnapshot_Empty(t *testing.T) {
	tr := mustNew(t, 5)
	edges := bucket.Edges{5, 10}
	snap := tr.Snapshot(1, edges)

	if snap.TotalCoins != 0 || snap.AvgUptrend != 0 || snap.MaxUptrend != 0 {
		t.Errorf("Expected zero snapshot, got %+v", snap)
	}
	if len(snap.Buckets) != edges.Len() {
		t.Errorf("Expected %d buckets, got %d", edges.Len(), len(snap.Buckets))
	}
}

func TestStatesRestoreRoundTrip(t *testing.T) {
	tr := mustNew(t, 5)
	feed(t, tr, "A", 100, 120, 100, 105)
	feed(t, tr, "B", 100, 90)

	states := tr.States()

	restored := mustNew(t, 5)
	if err := restored.Restore(states); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !reflect.DeepEqual(states, restored.States()) {
		t.Errorf("Restored states differ:\n%+v\n%+v", states, restored.States())
	}

	// Continue where the original left off
	restored.Process(domain.PriceSample{Symbol: "A", Price: 130, TimestampMs: 5000})
	w, ok := restored.Wave("A")
	if !ok || w.StartPrice != 100 || w.PeakPrice != 130 {
		t.Errorf("Expected restored wave to continue, got %+v", w)
	}
}

func TestRestore_RejectsInvalid(t *testing.T) {
	tr := mustNew(t, 5)
	if err := tr.Restore([]domain.WaveState{{Symbol: "A", Phase: domain.PhaseRising}}); err == nil {
		t.Error("Expected error for rising state without wave")
	}
	if err := tr.Restore([]domain.WaveState{{Symbol: "A", Phase: "BOGUS"}}); err == nil {
		t.Error("Expected error for unknown phase")
	}
}
