// Package distribution buckets symbols by their change percent against a base price.
package distribution

import (
	"errors"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/bucket"
	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/observability"
)

// BaseLookup resolves the base price of a symbol.
// Implementations return domain.ErrNoBasePrice for unknown symbols.
type BaseLookup interface {
	GetBase(symbol string) (float64, error)
}

// Data quality gap reasons, used as metric labels.
const (
	ReasonMissingBase  = "missing_base"
	ReasonInvalidPrice = "invalid_price"
)

// Engine computes distribution snapshots. It holds no per-tick state.
type Engine struct {
	log *logrus.Entry
}

// NewEngine creates an engine. A nil logger defaults to the component logger.
func NewEngine(log *logrus.Entry) *Engine {
	if log == nil {
		log = logger.Component("distribution")
	}
	return &Engine{log: log}
}

// ChangePercent returns (price/base - 1) * 100.
func ChangePercent(price, base float64) float64 {
	return (price/base - 1) * 100
}

// Compute builds the snapshot at timestampMs from samples.
// Buckets are rebuilt from scratch on every call and all of them are present, even when empty.
// Symbols without a base or with a non-positive price are skipped for this call.
// If a symbol appears more than once, the sample with the latest timestamp is used.
func (e *Engine) Compute(timestampMs int64, samples []domain.PriceSample, bases BaseLookup, edges bucket.Edges) *domain.DistributionSnapshot {
	labels := edges.Labels()
	snap := &domain.DistributionSnapshot{
		TimestampMs:     timestampMs,
		Buckets:         make([]domain.DistributionBucket, len(labels)),
		AllCoinsRanking: []domain.CoinDetail{},
	}
	for i, label := range labels {
		snap.Buckets[i] = domain.DistributionBucket{Range: label, CoinDetails: []domain.CoinDetail{}}
	}

	skipped := map[string]int{}
	for _, s := range latestPerSymbol(samples) {
		if s.Price <= 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
			skipped[ReasonInvalidPrice]++
			observability.RecordDataQualityGap(ReasonInvalidPrice)
			e.log.WithFields(logrus.Fields{"symbol": s.Symbol, "price": s.Price}).Debug("skipping invalid price")
			continue
		}

		base, err := bases.GetBase(s.Symbol)
		if err != nil {
			if !errors.Is(err, domain.ErrNoBasePrice) {
				e.log.WithError(err).WithField("symbol", s.Symbol).Warn("base lookup failed")
			}
			skipped[ReasonMissingBase]++
			observability.RecordDataQualityGap(ReasonMissingBase)
			e.log.WithField("symbol", s.Symbol).Debug("skipping symbol without base")
			continue
		}

		change := ChangePercent(s.Price, base)
		detail := domain.CoinDetail{Symbol: s.Symbol, ChangePercent: change}

		b := &snap.Buckets[edges.Index(change)]
		b.Count++
		b.CoinDetails = append(b.CoinDetails, detail)

		snap.AllCoinsRanking = append(snap.AllCoinsRanking, detail)
		snap.TotalCoins++
		switch {
		case change > 0:
			snap.UpCount++
		case change < 0:
			snap.DownCount++
		}
	}

	for i := range snap.Buckets {
		sortDetails(snap.Buckets[i].CoinDetails)
	}
	sortDetails(snap.AllCoinsRanking)

	if len(skipped) > 0 {
		e.log.WithFields(logrus.Fields{
			"timestamp":     timestampMs,
			"missing_base":  skipped[ReasonMissingBase],
			"invalid_price": skipped[ReasonInvalidPrice],
		}).Warn("symbols skipped in distribution")
	}

	return snap
}

// IndexFromSnapshot derives the market index point: the mean change percent, 0 when empty.
func IndexFromSnapshot(snap *domain.DistributionSnapshot) *domain.MarketIndex {
	m := &domain.MarketIndex{TimestampMs: snap.TimestampMs, TotalCoins: snap.TotalCoins}
	if snap.TotalCoins == 0 {
		return m
	}
	var sum float64
	for _, c := range snap.AllCoinsRanking {
		sum += c.ChangePercent
	}
	m.Value = sum / float64(snap.TotalCoins)
	return m
}

// latestPerSymbol keeps one sample per symbol. Later samples win timestamp ties.
func latestPerSymbol(samples []domain.PriceSample) []domain.PriceSample {
	idx := make(map[string]int, len(samples))
	out := make([]domain.PriceSample, 0, len(samples))
	for _, s := range samples {
		if i, ok := idx[s.Symbol]; ok {
			if s.TimestampMs >= out[i].TimestampMs {
				out[i] = s
			}
			continue
		}
		idx[s.Symbol] = len(out)
		out = append(out, s)
	}
	return out
}

// sortDetails orders by change percent DESC, symbol ASC.
func sortDetails(d []domain.CoinDetail) {
	sort.Slice(d, func(i, j int) bool {
		if d[i].ChangePercent != d[j].ChangePercent {
			return d[i].ChangePercent > d[j].ChangePercent
		}
		return d[i].Symbol < d[j].Symbol
	})
}
