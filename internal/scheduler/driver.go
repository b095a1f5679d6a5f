// Package scheduler drives the periodic tick: fetch prices, compute snapshots, persist,
// and trigger backfill and retention in the background.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"market-breadth/internal/bucket"
	"market-breadth/internal/distribution"
	"market-breadth/internal/domain"
	"market-breadth/internal/feed"
	"market-breadth/internal/logger"
	"market-breadth/internal/observability"
	"market-breadth/internal/reconcile"
	"market-breadth/internal/registry"
	"market-breadth/internal/storage"
	"market-breadth/internal/uptrend"
)

// Reconcile triggers, used as metric labels.
const (
	TriggerStartup      = "startup"
	TriggerFeedRecovery = "feed_recovered"
	TriggerTickGap      = "tick_gap"
)

// Tick statuses, used as metric labels.
const (
	StatusSuccess = "success"
	StatusPartial = "partial" // computed, but some persistence step failed
	StatusEmpty   = "empty"   // feed returned no samples
)

// Options contains configuration for creating a Driver.
type Options struct {
	Source     feed.Source
	Registry   *registry.Registry
	Engine     *distribution.Engine
	Tracker    *uptrend.Tracker
	Reconciler *reconcile.Reconciler
	// Compute recomputes historical points for backfill. Nil disables backfill.
	Compute reconcile.ComputeFunc

	IndexStore   storage.MarketIndexStore  // required
	BaseStore    storage.BasePriceStore    // optional
	HistoryStore storage.PriceHistoryStore // optional
	WaveStore    storage.WaveStateStore    // optional
	Cache        storage.SnapshotCache     // optional

	DistributionEdges bucket.Edges
	UptrendEdges      bucket.Edges

	Interval        time.Duration // default 1m
	Retention       time.Duration // 0 disables purge
	RetentionCheck  time.Duration // default 1h
	ReconcileWindow time.Duration // 0 disables the startup reconcile and caps nothing
	// DelistAfter deletes symbols absent from the feed for this long. 0 disables.
	DelistAfter time.Duration

	Now    func() time.Time
	Logger *logrus.Entry
}

// Status is a point-in-time view of the driver for /status.
type Status struct {
	StartedAt       time.Time           `json:"startedAt"`
	Ticks           int64               `json:"ticks"`
	EmptyTicks      int64               `json:"emptyTicks"`
	PartialTicks    int64               `json:"partialTicks"`
	Conflicts       int64               `json:"conflicts"`
	LastRunID       string              `json:"lastRunId"`
	LastTick        int64               `json:"lastTick"`
	LastHealthyTick int64               `json:"lastHealthyTick"`
	FeedInterrupted bool                `json:"feedInterrupted"`
	Backfilling     bool                `json:"backfilling"`
	Backfills       int64               `json:"backfills"`
	LastBackfill    *reconcile.Result   `json:"lastBackfill,omitempty"`
	TrackedSymbols  int                 `json:"trackedSymbols"`
	OngoingWaves    int                 `json:"ongoingWaves"`
	Delisted        int64               `json:"delisted"`
	LastIndex       *domain.MarketIndex `json:"lastIndex,omitempty"`
}

// TickResult describes one tick.
type TickResult struct {
	RunID        string
	TimestampMs  int64
	Status       string
	Samples      int
	NewBases     int
	Delisted     int
	Waves        uptrend.BatchStats
	Distribution *domain.DistributionSnapshot
	Uptrend      *domain.UptrendSnapshot
	Index        *domain.MarketIndex
	Errors       []error
}

type window struct{ start, end int64 }

// Driver runs ticks sequentially and owns the background backfill and retention work.
type Driver struct {
	opts       Options
	intervalMs int64
	log        *logrus.Entry

	// tick state, touched only by the tick goroutine
	lastHealthy  int64
	interrupted  bool
	lastSeen     map[string]int64
	lastArchived map[string]int64

	waveDeletesMu sync.Mutex
	waveDeletes   map[string]struct{}

	backfilling atomic.Bool
	pendingMu   sync.Mutex
	pending     *window

	purging atomic.Bool
	bg      sync.WaitGroup

	statusMu sync.RWMutex
	status   Status
}

// New creates a Driver and wires registry deletions into the tracker.
func New(opts Options) (*Driver, error) {
	if opts.Source == nil || opts.Registry == nil || opts.Tracker == nil || opts.IndexStore == nil {
		return nil, fmt.Errorf("%w: source, registry, tracker and index store are required", domain.ErrInvalidConfig)
	}
	if err := opts.DistributionEdges.Validate(); err != nil {
		return nil, fmt.Errorf("distribution edges: %w", err)
	}
	if err := opts.UptrendEdges.Validate(); err != nil {
		return nil, fmt.Errorf("uptrend edges: %w", err)
	}
	if opts.Interval == 0 {
		opts.Interval = time.Minute
	}
	if opts.Interval < time.Second || opts.Interval%time.Second != 0 {
		return nil, fmt.Errorf("%w: interval must be whole seconds, got %s", domain.ErrInvalidConfig, opts.Interval)
	}
	if opts.RetentionCheck <= 0 {
		opts.RetentionCheck = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("scheduler")
	}
	if opts.Engine == nil {
		opts.Engine = distribution.NewEngine(nil)
	}
	if opts.Reconciler == nil {
		opts.Reconciler = reconcile.New(reconcile.Options{
			IndexStore:   opts.IndexStore,
			HistoryStore: opts.HistoryStore,
		})
	}

	d := &Driver{
		opts:         opts,
		intervalMs:   opts.Interval.Milliseconds(),
		log:          opts.Logger,
		lastSeen:     make(map[string]int64),
		lastArchived: make(map[string]int64),
		waveDeletes:  make(map[string]struct{}),
		status:       Status{StartedAt: opts.Now().UTC()},
	}

	opts.Registry.OnDelete(func(symbol string) {
		opts.Tracker.Delete(symbol)
		d.waveDeletesMu.Lock()
		d.waveDeletes[symbol] = struct{}{}
		d.waveDeletesMu.Unlock()
	})

	return d, nil
}

// Restore loads base prices and wave state from the stores and resumes gap tracking
// from the latest persisted index point.
func (d *Driver) Restore(ctx context.Context) error {
	var errs []error
	now := d.opts.Now().UnixMilli()

	if d.opts.BaseStore != nil {
		n, err := d.opts.Registry.Load(ctx, d.opts.BaseStore)
		if err != nil {
			errs = append(errs, err)
		} else {
			d.log.WithField("bases", n).Info("restored base prices")
		}
		// loaded symbols get a full DelistAfter grace period
		for _, s := range d.opts.Registry.Symbols() {
			d.lastSeen[s] = now
		}
	}

	if d.opts.WaveStore != nil {
		stored, err := d.opts.WaveStore.GetAll(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("load wave state: %w", err))
		} else {
			states := make([]domain.WaveState, 0, len(stored))
			for _, s := range stored {
				states = append(states, *s)
			}
			if err := d.opts.Tracker.Restore(states); err != nil {
				errs = append(errs, fmt.Errorf("restore wave state: %w", err))
			} else {
				d.log.WithField("symbols", len(states)).Info("restored wave state")
			}
		}
	}

	latest, err := d.opts.IndexStore.GetLatest(ctx)
	switch {
	case err == nil:
		d.lastHealthy = latest.TimestampMs
		d.setStatus(func(s *Status) {
			s.LastHealthyTick = latest.TimestampMs
			s.LastIndex = latest
		})
	case errors.Is(err, storage.ErrNotFound):
	default:
		errs = append(errs, fmt.Errorf("latest index: %w", err))
	}

	return errors.Join(errs...)
}

// Run ticks on interval boundaries until ctx is cancelled, then waits for background work.
func (d *Driver) Run(ctx context.Context) error {
	d.log.WithFields(logrus.Fields{
		"interval":         d.opts.Interval.String(),
		"reconcile_window": d.opts.ReconcileWindow.String(),
		"retention":        d.opts.Retention.String(),
	}).Info("scheduler started")

	if d.opts.ReconcileWindow > 0 {
		end := d.align(d.opts.Now()) - d.intervalMs
		start := end - d.opts.ReconcileWindow.Milliseconds()
		d.startReconcile(ctx, TriggerStartup, start, end)
	}

	retention := time.NewTicker(d.opts.RetentionCheck)
	defer retention.Stop()

	timer := time.NewTimer(d.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("scheduler stopping, waiting for background work")
			d.Wait()
			return ctx.Err()
		case <-timer.C:
			d.Tick(ctx, d.opts.Now())
			timer.Reset(d.untilNext())
		case <-retention.C:
			d.startPurge(ctx)
		}
	}
}

// Wait blocks until background backfill and purge runs finish.
func (d *Driver) Wait() {
	d.bg.Wait()
}

// align truncates t to the interval boundary, in ms.
func (d *Driver) align(t time.Time) int64 {
	ms := t.UnixMilli()
	return ms - ms%d.intervalMs
}

func (d *Driver) untilNext() time.Duration {
	now := d.opts.Now()
	next := d.align(now) + d.intervalMs
	wait := time.Duration(next-now.UnixMilli()) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Tick runs one cycle for the interval boundary at or before now.
// Computation and persistence use a non-cancelled context so an in-flight tick completes
// during shutdown. Errors are logged and counted, never returned.
func (d *Driver) Tick(ctx context.Context, now time.Time) *TickResult {
	start := time.Now()
	tickCtx := context.WithoutCancel(ctx)

	res := &TickResult{RunID: uuid.NewString(), TimestampMs: d.align(now)}
	log := d.log.WithFields(logrus.Fields{"run_id": res.RunID, "timestamp": res.TimestampMs})

	samples, err := d.opts.Source.Latest(tickCtx)
	if err != nil {
		log.WithError(err).Warn("feed read failed")
		res.Errors = append(res.Errors, err)
	}
	res.Samples = len(samples)

	if len(samples) == 0 {
		d.markInterrupted(log, res)
		observability.RecordTick(StatusEmpty, time.Since(start).Seconds(), 0)
		return res
	}

	for _, s := range samples {
		created, err := d.opts.Registry.EnsureBase(s.Symbol, s.Price)
		if err != nil {
			// the engine skips and counts the same sample
			continue
		}
		if created {
			res.NewBases++
		}
		if s.TimestampMs > d.lastSeen[s.Symbol] {
			d.lastSeen[s.Symbol] = s.TimestampMs
		}
	}
	res.Delisted = d.delistStale(log, res.TimestampMs)

	res.Distribution = d.opts.Engine.Compute(res.TimestampMs, samples, d.opts.Registry, d.opts.DistributionEdges)
	res.Waves = d.opts.Tracker.ProcessBatch(samples)
	res.Uptrend = d.opts.Tracker.Snapshot(res.TimestampMs, d.opts.UptrendEdges)
	res.Index = distribution.IndexFromSnapshot(res.Distribution)

	conflicts := d.persist(tickCtx, log, samples, res)

	res.Status = StatusSuccess
	if len(res.Errors) > 0 {
		res.Status = StatusPartial
	}

	duration := time.Since(start)
	observability.RecordTick(res.Status, duration.Seconds(), len(samples))
	observability.MarkTickSuccess(now.Unix())
	observability.UpdateAnalytics(d.opts.Registry.Len(), d.opts.Tracker.OngoingCount(), res.Index.Value)
	observability.RecordWavesClosed(res.Waves.Closed)

	prevHealthy, wasInterrupted := d.lastHealthy, d.interrupted
	d.lastHealthy = res.TimestampMs
	d.interrupted = false

	d.setStatus(func(s *Status) {
		s.Ticks++
		if res.Status == StatusPartial {
			s.PartialTicks++
		}
		s.Conflicts += int64(conflicts)
		s.LastRunID = res.RunID
		s.LastTick = res.TimestampMs
		s.LastHealthyTick = res.TimestampMs
		s.FeedInterrupted = false
		s.TrackedSymbols = d.opts.Registry.Len()
		s.OngoingWaves = res.Uptrend.OngoingCount
		s.Delisted += int64(res.Delisted)
		s.LastIndex = res.Index
	})

	log.WithFields(logrus.Fields{
		"status":      res.Status,
		"samples":     res.Samples,
		"coins":       res.Distribution.TotalCoins,
		"index":       res.Index.Value,
		"new_bases":   res.NewBases,
		"waves_open":  res.Uptrend.OngoingCount,
		"waves_close": res.Waves.Closed,
		"duration":    duration.String(),
	}).Info("tick complete")

	// gap since the last healthy tick, from a feed outage or a missed timer
	if prevHealthy > 0 && res.TimestampMs-prevHealthy > d.intervalMs {
		trigger := TriggerTickGap
		if wasInterrupted {
			trigger = TriggerFeedRecovery
		}
		startTs := prevHealthy
		if w := d.opts.ReconcileWindow.Milliseconds(); w > 0 && res.TimestampMs-startTs > w {
			startTs = res.TimestampMs - w
			startTs -= startTs % d.intervalMs
		}
		d.startReconcile(ctx, trigger, startTs, res.TimestampMs-d.intervalMs)
	}

	return res
}

func (d *Driver) markInterrupted(log *logrus.Entry, res *TickResult) {
	res.Status = StatusEmpty
	if !d.interrupted {
		log.Warn("feed interrupted: no samples")
	}
	d.interrupted = true
	observability.RecordFeedInterruption()
	d.setStatus(func(s *Status) {
		s.EmptyTicks++
		s.LastRunID = res.RunID
		s.LastTick = res.TimestampMs
		s.FeedInterrupted = true
	})
}

// delistStale deletes symbols that have not been seen for DelistAfter.
func (d *Driver) delistStale(log *logrus.Entry, tickMs int64) int {
	if d.opts.DelistAfter <= 0 {
		return 0
	}
	cutoff := tickMs - d.opts.DelistAfter.Milliseconds()
	n := 0
	for _, symbol := range d.opts.Registry.Symbols() {
		seen, ok := d.lastSeen[symbol]
		if !ok {
			// first sighting happens on the next sample
			d.lastSeen[symbol] = tickMs
			continue
		}
		if seen < cutoff {
			if d.opts.Registry.Delete(symbol) {
				n++
				log.WithFields(logrus.Fields{"symbol": symbol, "last_seen": seen}).Info("symbol delisted")
			}
			delete(d.lastSeen, symbol)
			delete(d.lastArchived, symbol)
		}
	}
	return n
}

// persist writes the tick's results after all computation succeeded.
// Each step is independent; failures are collected in res.Errors.
func (d *Driver) persist(ctx context.Context, log *logrus.Entry, samples []domain.PriceSample, res *TickResult) (conflicts int) {
	fail := func(step string, err error) {
		log.WithError(err).WithField("step", step).Warn("persist failed")
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", step, err))
	}

	if d.opts.HistoryStore != nil {
		fresh := make([]*domain.PriceSample, 0, len(samples))
		seen := make(map[string]struct{}, len(samples))
		for i := range samples {
			s := &samples[i]
			if _, dup := seen[s.Symbol]; dup || s.TimestampMs <= d.lastArchived[s.Symbol] || s.Price <= 0 {
				continue
			}
			seen[s.Symbol] = struct{}{}
			fresh = append(fresh, s)
		}
		if len(fresh) > 0 {
			dupes, err := d.archive(ctx, fresh)
			conflicts += dupes
			if err != nil {
				fail("price_history", err)
			}
		}
	}

	if res.Index.TotalCoins > 0 {
		exists, err := d.opts.IndexStore.ExistsAt(ctx, res.TimestampMs)
		switch {
		case err != nil:
			fail("market_index", err)
		case exists:
			conflicts++
			observability.RecordConflict("market_index")
		default:
			if err := d.opts.IndexStore.Insert(ctx, res.Index); err != nil {
				if errors.Is(err, storage.ErrDuplicateKey) {
					conflicts++
					observability.RecordConflict("market_index")
				} else {
					fail("market_index", err)
				}
			}
		}
	}

	if d.opts.BaseStore != nil {
		if _, _, err := d.opts.Registry.Flush(ctx, d.opts.BaseStore); err != nil {
			fail("base_price", err)
		}
	}

	if d.opts.WaveStore != nil {
		d.waveDeletesMu.Lock()
		deletes := make([]string, 0, len(d.waveDeletes))
		for s := range d.waveDeletes {
			deletes = append(deletes, s)
		}
		clear(d.waveDeletes)
		d.waveDeletesMu.Unlock()

		for _, symbol := range deletes {
			if err := d.opts.WaveStore.Delete(ctx, symbol); err != nil {
				fail("wave_state", err)
				d.waveDeletesMu.Lock()
				d.waveDeletes[symbol] = struct{}{}
				d.waveDeletesMu.Unlock()
			}
		}

		states := d.opts.Tracker.States()
		ptrs := make([]*domain.WaveState, len(states))
		for i := range states {
			ptrs[i] = &states[i]
		}
		if len(ptrs) > 0 {
			if err := d.opts.WaveStore.SaveAll(ctx, ptrs); err != nil {
				fail("wave_state", err)
			}
		}
	}

	if d.opts.Cache != nil {
		if err := d.opts.Cache.PutDistribution(ctx, res.Distribution); err != nil {
			fail("snapshot_cache", err)
		}
		if err := d.opts.Cache.PutUptrend(ctx, res.Uptrend); err != nil {
			fail("snapshot_cache", err)
		}
	}

	return conflicts
}

// archive inserts fresh samples into the price history. A duplicate in the batch
// falls back to one insert per sample so the rest of the batch is still stored.
// lastArchived advances only for samples that were stored or already present.
func (d *Driver) archive(ctx context.Context, fresh []*domain.PriceSample) (dupes int, err error) {
	err = d.opts.HistoryStore.InsertBulk(ctx, fresh)
	if err == nil {
		for _, s := range fresh {
			d.lastArchived[s.Symbol] = s.TimestampMs
		}
		return 0, nil
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		return 0, err
	}

	var failed int
	var lastErr error
	for _, s := range fresh {
		err := d.opts.HistoryStore.InsertBulk(ctx, []*domain.PriceSample{s})
		switch {
		case err == nil:
			d.lastArchived[s.Symbol] = s.TimestampMs
		case errors.Is(err, storage.ErrDuplicateKey):
			dupes++
			observability.RecordConflict("price_history")
			d.lastArchived[s.Symbol] = s.TimestampMs
		default:
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		return dupes, fmt.Errorf("%d of %d samples not archived: %w", failed, len(fresh), lastErr)
	}
	return dupes, nil
}

// startReconcile backfills [start, end] in the background. At most one backfill runs;
// a request arriving meanwhile is merged into a pending window and run afterwards.
func (d *Driver) startReconcile(ctx context.Context, trigger string, start, end int64) {
	if d.opts.Compute == nil || end < start {
		return
	}

	if !d.backfilling.CompareAndSwap(false, true) {
		d.pendingMu.Lock()
		if d.pending == nil {
			d.pending = &window{start: start, end: end}
		} else {
			d.pending.start = min(d.pending.start, start)
			d.pending.end = max(d.pending.end, end)
		}
		d.pendingMu.Unlock()
		d.log.WithField("trigger", trigger).Info("backfill already running, window queued")
		return
	}

	d.setStatus(func(s *Status) { s.Backfilling = true })

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()

		w := &window{start: start, end: end}
		for w != nil && ctx.Err() == nil {
			result, err := d.opts.Reconciler.Reconcile(ctx, trigger, w.start, w.end,
				int64(d.opts.Interval/time.Second), d.opts.Compute)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.WithError(err).WithField("trigger", trigger).Warn("reconcile failed")
			}
			d.setStatus(func(s *Status) {
				s.Backfills++
				if result != nil {
					s.LastBackfill = result
				}
			})

			d.pendingMu.Lock()
			w, d.pending = d.pending, nil
			d.pendingMu.Unlock()
			trigger = TriggerTickGap
		}

		d.backfilling.Store(false)
		d.setStatus(func(s *Status) { s.Backfilling = false })

		// a window queued between the last pending check and the flag reset
		d.pendingMu.Lock()
		late := d.pending
		d.pending = nil
		d.pendingMu.Unlock()
		if late != nil && ctx.Err() == nil {
			d.startReconcile(ctx, TriggerTickGap, late.start, late.end)
		}
	}()
}

// Purge runs retention now, deleting data older than now - Retention.
func (d *Driver) Purge(ctx context.Context, now time.Time) (reconcile.PurgeResult, error) {
	if d.opts.Retention <= 0 {
		return reconcile.PurgeResult{}, nil
	}
	return d.opts.Reconciler.PurgeBefore(ctx, now.Add(-d.opts.Retention).UnixMilli())
}

func (d *Driver) startPurge(ctx context.Context) {
	if d.opts.Retention <= 0 || !d.purging.CompareAndSwap(false, true) {
		return
	}
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer d.purging.Store(false)
		if _, err := d.Purge(ctx, d.opts.Now()); err != nil {
			d.log.WithError(err).Warn("retention purge failed")
		}
	}()
}

// Status returns a copy of the driver status.
func (d *Driver) Status() Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

func (d *Driver) setStatus(fn func(s *Status)) {
	d.statusMu.Lock()
	fn(&d.status)
	d.statusMu.Unlock()
}
