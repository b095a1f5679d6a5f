// Package history recomputes market index points for past timestamps.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/bucket"
	"market-breadth/internal/distribution"
	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/registry"
	"market-breadth/internal/storage"
)

// KlinePricer resolves historical prices from an exchange, used when the archive has no data.
type KlinePricer interface {
	PricesAt(ctx context.Context, symbols []string, timestampMs int64) ([]domain.PriceSample, error)
}

// Options configures a Computer.
type Options struct {
	History  storage.PriceHistoryStore // required
	Klines   KlinePricer               // optional fallback
	Registry *registry.Registry        // required
	Engine   *distribution.Engine
	Edges    bucket.Edges
	// UptrendEdges and HistoryLimit configure the trackers replayed by UptrendSince.
	UptrendEdges bucket.Edges
	HistoryLimit int
	// Lookback bounds how old an archived sample may be relative to the target timestamp.
	Lookback time.Duration
	Logger   *logrus.Entry
}

// Computer recomputes distribution snapshots and index points from archived prices.
type Computer struct {
	history  storage.PriceHistoryStore
	klines   KlinePricer
	registry *registry.Registry
	engine   *distribution.Engine
	edges    bucket.Edges
	upEdges  bucket.Edges
	limit    int
	lookback int64 // ms
	log      *logrus.Entry
}

// New creates a Computer.
func New(opts Options) (*Computer, error) {
	if opts.History == nil || opts.Registry == nil {
		return nil, fmt.Errorf("%w: history store and registry are required", domain.ErrInvalidConfig)
	}
	if err := opts.Edges.Validate(); err != nil {
		return nil, err
	}
	if opts.UptrendEdges != nil {
		if err := opts.UptrendEdges.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("history")
	}
	engine := opts.Engine
	if engine == nil {
		engine = distribution.NewEngine(log)
	}
	return &Computer{
		history:  opts.History,
		klines:   opts.Klines,
		registry: opts.Registry,
		engine:   engine,
		edges:    opts.Edges,
		upEdges:  opts.UptrendEdges,
		limit:    opts.HistoryLimit,
		lookback: opts.Lookback.Milliseconds(),
		log:      log,
	}, nil
}

// SnapshotAt rebuilds the distribution snapshot at timestampMs.
// Bases created after timestampMs are hidden, so later listings do not leak into older points.
func (c *Computer) SnapshotAt(ctx context.Context, timestampMs int64) (*domain.DistributionSnapshot, error) {
	samples, source, err := c.samplesAt(ctx, timestampMs)
	if err != nil {
		return nil, err
	}

	snap := c.engine.Compute(timestampMs, samples, c.registry.BasesAsOf(timestampMs), c.edges)
	if snap.TotalCoins == 0 {
		return nil, fmt.Errorf("%w: no priced symbols at %d (source %s, %d samples)",
			domain.ErrBackfillCompute, timestampMs, source, len(samples))
	}

	c.log.WithFields(logrus.Fields{
		"timestamp": timestampMs,
		"source":    source,
		"coins":     snap.TotalCoins,
	}).Debug("recomputed snapshot")
	return snap, nil
}

// ComputeAt recomputes the market index point at timestampMs.
// It matches reconcile.ComputeFunc.
func (c *Computer) ComputeAt(ctx context.Context, timestampMs int64) (*domain.MarketIndex, error) {
	snap, err := c.SnapshotAt(ctx, timestampMs)
	if err != nil {
		return nil, err
	}
	return distribution.IndexFromSnapshot(snap), nil
}

// samplesAt reads the archive first and falls back to klines when it is empty.
func (c *Computer) samplesAt(ctx context.Context, timestampMs int64) ([]domain.PriceSample, string, error) {
	archived, err := c.history.GetLatestAsOf(ctx, timestampMs, c.lookback)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read archive: %v", domain.ErrBackfillCompute, err)
	}
	if len(archived) > 0 {
		out := make([]domain.PriceSample, 0, len(archived))
		for _, s := range archived {
			out = append(out, *s)
		}
		return out, "archive", nil
	}

	if c.klines == nil {
		return nil, "archive", nil
	}

	symbols := c.registry.Symbols()
	if len(symbols) == 0 {
		return nil, "klines", nil
	}
	samples, err := c.klines.PricesAt(ctx, symbols, timestampMs)
	if err != nil {
		return nil, "", fmt.Errorf("%w: klines: %v", domain.ErrBackfillCompute, err)
	}
	return samples, "klines", nil
}
