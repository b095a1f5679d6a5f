package history

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/uptrend"
)

// samplePrices resolves bases from the prices archived at one past timestamp.
type samplePrices map[string]float64

func (p samplePrices) GetBase(symbol string) (float64, error) {
	if v, ok := p[symbol]; ok {
		return v, nil
	}
	return 0, domain.ErrNoBasePrice
}

// DistributionSince measures each symbol's change since nowMs - window, using the
// price archived at that time as base instead of the registry base.
// Symbols without a price at both ends are left out.
func (c *Computer) DistributionSince(ctx context.Context, nowMs int64, window time.Duration) (*domain.DistributionSnapshot, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", domain.ErrInvalidConfig)
	}
	baseTs := nowMs - window.Milliseconds()

	then, _, err := c.samplesAt(ctx, baseTs)
	if err != nil {
		return nil, err
	}
	bases := make(samplePrices, len(then))
	for _, s := range then {
		bases[s.Symbol] = s.Price
	}

	current, source, err := c.samplesAt(ctx, nowMs)
	if err != nil {
		return nil, err
	}
	priced := current[:0]
	for _, s := range current {
		if _, ok := bases[s.Symbol]; ok {
			priced = append(priced, s)
		}
	}

	snap := c.engine.Compute(nowMs, priced, bases, c.edges)
	c.log.WithFields(logrus.Fields{
		"timestamp": nowMs,
		"window":    window.String(),
		"source":    source,
		"coins":     snap.TotalCoins,
	}).Debug("windowed distribution")
	return snap, nil
}

// UptrendSince replays the archived prices of every registered symbol over
// [nowMs - window, nowMs] through a fresh tracker with the given pullback threshold.
func (c *Computer) UptrendSince(ctx context.Context, nowMs int64, window time.Duration, pullback float64) (*domain.UptrendSnapshot, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", domain.ErrInvalidConfig)
	}
	if c.upEdges == nil {
		return nil, fmt.Errorf("%w: uptrend edges not configured", domain.ErrInvalidConfig)
	}
	tracker, err := uptrend.New(pullback, c.limit)
	if err != nil {
		return nil, err
	}

	start := nowMs - window.Milliseconds()
	batch := make([]domain.PriceSample, 0, 64)
	for _, symbol := range c.registry.Symbols() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		series, err := c.history.GetBySymbol(ctx, symbol, start, nowMs)
		if err != nil {
			return nil, fmt.Errorf("read archive %s: %w", symbol, err)
		}
		batch = batch[:0]
		for _, s := range series {
			batch = append(batch, *s)
		}
		tracker.ProcessBatch(batch)
	}

	return tracker.Snapshot(nowMs, c.upEdges), nil
}
