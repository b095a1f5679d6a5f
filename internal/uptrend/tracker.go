// Package uptrend detects per-symbol uptrend waves that tolerate pullbacks below a threshold.
package uptrend

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"market-breadth/internal/bucket"
	"market-breadth/internal/domain"
	"market-breadth/internal/shard"
)

// DefaultHistoryLimit is the number of closed waves kept per symbol.
const DefaultHistoryLimit = 20

// Tracker holds the wave state machine of every tracked symbol.
// State lives in per-shard arenas; symbols in different shards never contend.
type Tracker struct {
	threshold    float64
	historyLimit int
	shards       [shard.Count]*waveShard
	closed       atomic.Int64
}

type waveShard struct {
	mu     sync.RWMutex
	index  map[string]int // symbol -> slot in states
	states []symbolState
	free   []int
}

type symbolState struct {
	symbol      string
	phase       domain.WavePhase
	troughPrice float64
	troughTime  int64
	lastTs      int64
	current     domain.UptrendWave // valid while RISING
	lastClosed  domain.UptrendWave
	hasClosed   bool
	history     []domain.UptrendWave // oldest first
}

// BatchStats summarizes one ProcessBatch call.
type BatchStats struct {
	Processed int // samples that advanced a state machine
	Ignored   int // out-of-order, duplicate or invalid samples
	Opened    int
	Closed    int
}

// New creates a tracker. pullbackThreshold is a percentage and must be positive and finite.
// historyLimit <= 0 uses DefaultHistoryLimit.
func New(pullbackThreshold float64, historyLimit int) (*Tracker, error) {
	if pullbackThreshold <= 0 || math.IsNaN(pullbackThreshold) || math.IsInf(pullbackThreshold, 0) {
		return nil, fmt.Errorf("%w: pullback threshold must be positive, got %v",
			domain.ErrInvalidConfig, pullbackThreshold)
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	t := &Tracker{threshold: pullbackThreshold, historyLimit: historyLimit}
	for i := range t.shards {
		t.shards[i] = &waveShard{index: make(map[string]int)}
	}
	return t, nil
}

// PullbackThreshold returns the configured threshold in percent.
func (t *Tracker) PullbackThreshold() float64 {
	return t.threshold
}

// ClosedTotal returns the number of waves closed since the tracker was created.
func (t *Tracker) ClosedTotal() int64 {
	return t.closed.Load()
}

type transition int

const (
	ignored transition = iota
	unchanged
	opened
	extended
	closed
)

// Process feeds one sample into the symbol's state machine.
// Returns false if the sample was ignored: timestamp not after the last seen one, or invalid price.
func (t *Tracker) Process(s domain.PriceSample) bool {
	return t.process(s) != ignored
}

// ProcessBatch feeds samples in order.
func (t *Tracker) ProcessBatch(samples []domain.PriceSample) BatchStats {
	var stats BatchStats
	for _, s := range samples {
		switch t.process(s) {
		case ignored:
			stats.Ignored++
			continue
		case opened:
			stats.Opened++
		case closed:
			stats.Closed++
		}
		stats.Processed++
	}
	return stats
}

func (t *Tracker) process(s domain.PriceSample) transition {
	if s.Symbol == "" || s.Price <= 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return ignored
	}

	sh := t.shards[shard.For(s.Symbol)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	i, ok := sh.index[s.Symbol]
	if !ok {
		sh.alloc(symbolState{
			symbol:      s.Symbol,
			phase:       domain.PhaseSearching,
			troughPrice: s.Price,
			troughTime:  s.TimestampMs,
			lastTs:      s.TimestampMs,
		})
		return unchanged
	}

	st := &sh.states[i]
	if s.TimestampMs <= st.lastTs {
		return ignored
	}
	st.lastTs = s.TimestampMs

	switch st.phase {
	case domain.PhaseSearching:
		switch {
		case s.Price < st.troughPrice:
			st.troughPrice = s.Price
			st.troughTime = s.TimestampMs
		case s.Price > st.troughPrice:
			st.current = domain.UptrendWave{
				Symbol:     s.Symbol,
				StartPrice: st.troughPrice,
				StartTime:  st.troughTime,
				PeakPrice:  s.Price,
				PeakTime:   s.TimestampMs,
				Ongoing:    true,
			}
			st.phase = domain.PhaseRising
			return opened
		}
		return unchanged

	default: // RISING
		if s.Price > st.current.PeakPrice {
			st.current.PeakPrice = s.Price
			st.current.PeakTime = s.TimestampMs
			return extended
		}
		pullback := (st.current.PeakPrice - s.Price) / st.current.PeakPrice * 100
		if pullback < t.threshold {
			return unchanged
		}
		t.closeWave(st)
		st.troughPrice = s.Price
		st.troughTime = s.TimestampMs
		return closed
	}
}

func (t *Tracker) closeWave(st *symbolState) {
	w := st.current
	w.Ongoing = false
	st.lastClosed = w
	st.hasClosed = true
	st.history = append(st.history, w)
	if over := len(st.history) - t.historyLimit; over > 0 {
		st.history = append(st.history[:0:0], st.history[over:]...)
	}
	st.current = domain.UptrendWave{}
	st.phase = domain.PhaseSearching
	t.closed.Add(1)
}

// alloc stores st in a free slot or a new one. Caller holds the write lock.
func (sh *waveShard) alloc(st symbolState) {
	if n := len(sh.free); n > 0 {
		i := sh.free[n-1]
		sh.free = sh.free[:n-1]
		sh.states[i] = st
		sh.index[st.symbol] = i
		return
	}
	sh.index[st.symbol] = len(sh.states)
	sh.states = append(sh.states, st)
}

// Delete discards all state of a symbol. An ongoing wave is dropped, not finalized.
func (t *Tracker) Delete(symbol string) {
	sh := t.shards[shard.For(symbol)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	i, ok := sh.index[symbol]
	if !ok {
		return
	}
	sh.states[i] = symbolState{}
	sh.free = append(sh.free, i)
	delete(sh.index, symbol)
}

// Wave returns the ongoing wave of a symbol, if any.
func (t *Tracker) Wave(symbol string) (domain.UptrendWave, bool) {
	sh := t.shards[shard.For(symbol)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	i, ok := sh.index[symbol]
	if !ok || sh.states[i].phase != domain.PhaseRising {
		return domain.UptrendWave{}, false
	}
	return sh.states[i].current, true
}

// History returns the closed waves of a symbol, oldest first.
func (t *Tracker) History(symbol string) []domain.UptrendWave {
	sh := t.shards[shard.For(symbol)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	i, ok := sh.index[symbol]
	if !ok {
		return nil
	}
	return append([]domain.UptrendWave(nil), sh.states[i].history...)
}

// State returns the full state of a symbol.
func (t *Tracker) State(symbol string) (domain.WaveState, bool) {
	sh := t.shards[shard.For(symbol)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	i, ok := sh.index[symbol]
	if !ok {
		return domain.WaveState{}, false
	}
	return sh.states[i].export(), true
}

// Len returns the number of tracked symbols.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.index)
		sh.mu.RUnlock()
	}
	return n
}

// OngoingCount returns the number of symbols with an open wave.
func (t *Tracker) OngoingCount() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, i := range sh.index {
			if sh.states[i].phase == domain.PhaseRising {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (st *symbolState) export() domain.WaveState {
	ws := domain.WaveState{
		Symbol:        st.symbol,
		Phase:         st.phase,
		TroughPrice:   st.troughPrice,
		TroughTime:    st.troughTime,
		LastTimestamp: st.lastTs,
	}
	if st.phase == domain.PhaseRising {
		w := st.current
		ws.Current = &w
	}
	if st.hasClosed {
		w := st.lastClosed
		ws.LastClosed = &w
	}
	if len(st.history) > 0 {
		ws.History = append([]domain.UptrendWave(nil), st.history...)
	}
	return ws
}

// States exports every symbol's state, ordered by symbol ASC.
func (t *Tracker) States() []domain.WaveState {
	var result []domain.WaveState
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, i := range sh.index {
			result = append(result, sh.states[i].export())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// Restore loads persisted states, replacing any existing state of the same symbols.
// A RISING state without a current wave is rejected.
func (t *Tracker) Restore(states []domain.WaveState) error {
	for _, ws := range states {
		if ws.Symbol == "" || !ws.Phase.IsValid() {
			return fmt.Errorf("restore %q: invalid phase %q", ws.Symbol, ws.Phase)
		}
		if ws.Phase == domain.PhaseRising && ws.Current == nil {
			return fmt.Errorf("restore %q: rising state without a current wave", ws.Symbol)
		}
	}

	for _, ws := range states {
		st := symbolState{
			symbol:      ws.Symbol,
			phase:       ws.Phase,
			troughPrice: ws.TroughPrice,
			troughTime:  ws.TroughTime,
			lastTs:      ws.LastTimestamp,
		}
		if ws.Current != nil && ws.Phase == domain.PhaseRising {
			st.current = *ws.Current
			st.current.Ongoing = true
		}
		if ws.LastClosed != nil {
			st.lastClosed = *ws.LastClosed
			st.lastClosed.Ongoing = false
			st.hasClosed = true
		}
		history := ws.History
		if over := len(history) - t.historyLimit; over > 0 {
			history = history[over:]
		}
		st.history = append([]domain.UptrendWave(nil), history...)

		sh := t.shards[shard.For(ws.Symbol)]
		sh.mu.Lock()
		if i, ok := sh.index[ws.Symbol]; ok {
			sh.states[i] = st
		} else {
			sh.alloc(st)
		}
		sh.mu.Unlock()
	}
	return nil
}

// Snapshot aggregates each symbol's current wave: the ongoing one, or the most recent
// closed one while searching. Symbols that never formed a wave are excluded.
// AvgUptrend and MaxUptrend cover closed entries only.
func (t *Tracker) Snapshot(timestampMs int64, edges bucket.Edges) *domain.UptrendSnapshot {
	var coins []domain.CoinUptrend
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, i := range sh.index {
			st := &sh.states[i]
			switch {
			case st.phase == domain.PhaseRising:
				coins = append(coins, coinFrom(st.current))
			case st.hasClosed:
				coins = append(coins, coinFrom(st.lastClosed))
			}
		}
		sh.mu.RUnlock()
	}
	sortCoins(coins)

	labels := edges.Labels()
	snap := &domain.UptrendSnapshot{
		TimestampMs:       timestampMs,
		TotalCoins:        len(coins),
		PullbackThreshold: t.threshold,
		Buckets:           make([]domain.UptrendBucket, len(labels)),
		AllCoinsRanking:   coins,
	}
	if snap.AllCoinsRanking == nil {
		snap.AllCoinsRanking = []domain.CoinUptrend{}
	}
	for i, label := range labels {
		snap.Buckets[i] = domain.UptrendBucket{Range: label, Coins: []domain.CoinUptrend{}}
	}

	var sum float64
	closedN := 0
	for _, c := range coins {
		b := &snap.Buckets[edges.Index(c.UptrendPercent)]
		b.Count++
		b.Coins = append(b.Coins, c)
		if c.Ongoing {
			b.OngoingCount++
			snap.OngoingCount++
			continue
		}
		closedN++
		sum += c.UptrendPercent
		if closedN == 1 || c.UptrendPercent > snap.MaxUptrend {
			snap.MaxUptrend = c.UptrendPercent
		}
	}
	if closedN > 0 {
		snap.AvgUptrend = sum / float64(closedN)
	}
	return snap
}

func coinFrom(w domain.UptrendWave) domain.CoinUptrend {
	return domain.CoinUptrend{
		Symbol:         w.Symbol,
		UptrendPercent: w.UptrendPercent(),
		Ongoing:        w.Ongoing,
		WaveStartTime:  w.StartTime,
		WaveEndTime:    w.PeakTime,
		StartPrice:     w.StartPrice,
		PeakPrice:      w.PeakPrice,
	}
}

// sortCoins orders by uptrend percent DESC, symbol ASC.
func sortCoins(c []domain.CoinUptrend) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].UptrendPercent != c[j].UptrendPercent {
			return c[i].UptrendPercent > c[j].UptrendPercent
		}
		return c[i].Symbol < c[j].Symbol
	})
}
