// Package reconcile finds and fills gaps in the persisted market index series.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/observability"
	"market-breadth/internal/storage"
)

// ComputeFunc recomputes the market index point for a historical timestamp.
type ComputeFunc func(ctx context.Context, timestampMs int64) (*domain.MarketIndex, error)

// Reconciler locates missing index timestamps and backfills them.
type Reconciler struct {
	index   storage.MarketIndexStore
	history storage.PriceHistoryStore // optional, purged alongside the index
	logger  *logrus.Entry
}

// Options contains configuration for creating a Reconciler.
type Options struct {
	IndexStore   storage.MarketIndexStore
	HistoryStore storage.PriceHistoryStore
	Logger       *logrus.Entry
}

// New creates a new Reconciler.
func New(opts Options) *Reconciler {
	l := opts.Logger
	if l == nil {
		l = logger.Component("reconcile")
	}
	return &Reconciler{
		index:   opts.IndexStore,
		history: opts.HistoryStore,
		logger:  l,
	}
}

// Result contains statistics from a backfill run.
type Result struct {
	Gaps      int
	Filled    int
	Skipped   int // already present at insert time
	Conflicts int // duplicate insert lost to a concurrent writer
	Failed    int
	Duration  time.Duration
}

// FindGaps returns the timestamps start + k*interval <= end that have no persisted point,
// in ascending order. Existing timestamps are fetched with a single query.
func (r *Reconciler) FindGaps(ctx context.Context, start, end int64, intervalSeconds int64) ([]int64, error) {
	if intervalSeconds <= 0 || end < start {
		return nil, fmt.Errorf("%w: range [%d, %d] interval %ds", storage.ErrInvalidInput, start, end, intervalSeconds)
	}

	existing, err := r.index.GetTimestampsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("get existing timestamps: %w", err)
	}

	present := make(map[int64]struct{}, len(existing))
	for _, ts := range existing {
		present[ts] = struct{}{}
	}

	step := intervalSeconds * 1000
	var gaps []int64
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; !ok {
			gaps = append(gaps, ts)
		}
	}
	return gaps, nil
}

// Backfill computes and inserts a point for each gap in ascending order.
// A failure on one timestamp is logged and counted; the remaining gaps are still processed.
// Only context cancellation stops the run early.
func (r *Reconciler) Backfill(ctx context.Context, gaps []int64, compute ComputeFunc) *Result {
	start := time.Now()
	result := &Result{Gaps: len(gaps)}

	for _, ts := range gaps {
		if ctx.Err() != nil {
			r.logger.WithField("remaining", len(gaps)-result.Filled-result.Skipped-result.Conflicts-result.Failed).
				Warn("backfill cancelled")
			break
		}

		point, err := compute(ctx, ts)
		if err == nil && point == nil {
			err = domain.ErrBackfillCompute
		}
		if err != nil {
			result.Failed++
			r.logger.WithError(err).WithField("timestamp", ts).Warn("backfill compute failed")
			continue
		}
		point.TimestampMs = ts

		// The live driver may have written this timestamp while we computed
		exists, err := r.index.ExistsAt(ctx, ts)
		if err != nil {
			result.Failed++
			r.logger.WithError(err).WithField("timestamp", ts).Warn("backfill existence check failed")
			continue
		}
		if exists {
			result.Skipped++
			continue
		}

		if err := r.index.Insert(ctx, point); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				result.Conflicts++
				observability.RecordConflict("market_index")
				continue
			}
			result.Failed++
			r.logger.WithError(err).WithField("timestamp", ts).Warn("backfill insert failed")
			continue
		}
		result.Filled++
	}

	result.Duration = time.Since(start)
	return result
}

// Reconcile runs FindGaps over [start, end] and backfills what is missing.
// trigger labels the run in metrics and logs (startup, feed_recovered, manual).
func (r *Reconciler) Reconcile(ctx context.Context, trigger string, start, end, intervalSeconds int64, compute ComputeFunc) (*Result, error) {
	gaps, err := r.FindGaps(ctx, start, end, intervalSeconds)
	if err != nil {
		return nil, err
	}

	result := r.Backfill(ctx, gaps, compute)
	observability.RecordBackfill(trigger, result.Gaps, result.Filled, result.Skipped, result.Conflicts, result.Failed)

	r.logger.WithFields(logrus.Fields{
		"trigger":   trigger,
		"start":     start,
		"end":       end,
		"gaps":      result.Gaps,
		"filled":    result.Filled,
		"skipped":   result.Skipped,
		"conflicts": result.Conflicts,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	}).Info("reconcile complete")

	return result, ctx.Err()
}

// PurgeResult counts records removed by PurgeBefore.
type PurgeResult struct {
	IndexPoints  int64
	PriceSamples int64
}

// PurgeBefore deletes index points and archived samples strictly older than timestampMs.
func (r *Reconciler) PurgeBefore(ctx context.Context, timestampMs int64) (PurgeResult, error) {
	var res PurgeResult

	n, err := r.index.DeleteBefore(ctx, timestampMs)
	if err != nil {
		return res, fmt.Errorf("purge market index: %w", err)
	}
	res.IndexPoints = n
	observability.RecordPurge("market_index", n)

	if r.history != nil {
		n, err := r.history.DeleteBefore(ctx, timestampMs)
		if err != nil {
			return res, fmt.Errorf("purge price history: %w", err)
		}
		res.PriceSamples = n
		observability.RecordPurge("price_history", n)
	}

	r.logger.WithFields(logrus.Fields{
		"before":        timestampMs,
		"index_points":  res.IndexPoints,
		"price_samples": res.PriceSamples,
	}).Info("retention purge complete")

	return res, nil
}
