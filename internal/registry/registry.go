// Package registry keeps the per-symbol base prices that change percents are measured against.
package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"market-breadth/internal/domain"
	"market-breadth/internal/logger"
	"market-breadth/internal/shard"
	"market-breadth/internal/storage"
)

// Options configures a Registry.
type Options struct {
	Logger *logrus.Entry
	Now    func() time.Time // clock for CreatedAt, defaults to time.Now
}

// Registry is a sharded symbol -> base price table.
// Mutations are applied in memory and recorded as pending until Flush persists them.
type Registry struct {
	shards [shard.Count]*tableShard
	now    func() time.Time
	log    *logrus.Entry

	hooksMu  sync.RWMutex
	onDelete []func(symbol string)
}

// maxSuperseded bounds the replaced bases kept per symbol for BasesAsOf.
const maxSuperseded = 16

type tableShard struct {
	mu      sync.RWMutex
	bases   map[string]domain.BasePrice
	upserts map[string]struct{} // pending SaveAll
	deletes map[string]struct{} // pending DeleteBySymbol
	// replaced bases per symbol, oldest first; memory only
	superseded map[string][]domain.BasePrice
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logger.Component("registry")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{now: opts.Now, log: opts.Logger}
	for i := range r.shards {
		r.shards[i] = &tableShard{
			bases:      make(map[string]domain.BasePrice),
			upserts:    make(map[string]struct{}),
			deletes:    make(map[string]struct{}),
			superseded: make(map[string][]domain.BasePrice),
		}
	}
	return r
}

func (r *Registry) shardFor(symbol string) *tableShard {
	return r.shards[shard.For(symbol)]
}

// OnDelete registers a hook invoked after a symbol is deleted.
func (r *Registry) OnDelete(fn func(symbol string)) {
	r.hooksMu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.hooksMu.Unlock()
}

// Get returns the base record of a symbol. Returns domain.ErrNoBasePrice if absent.
func (r *Registry) Get(symbol string) (domain.BasePrice, error) {
	s := r.shardFor(symbol)
	s.mu.RLock()
	b, ok := s.bases[symbol]
	s.mu.RUnlock()
	if !ok {
		return domain.BasePrice{}, fmt.Errorf("%w: %s", domain.ErrNoBasePrice, symbol)
	}
	return b, nil
}

// GetBase returns the base price of a symbol. Returns domain.ErrNoBasePrice if absent.
func (r *Registry) GetBase(symbol string) (float64, error) {
	b, err := r.Get(symbol)
	if err != nil {
		return 0, err
	}
	return b.Price, nil
}

// SetBase sets or overwrites the base of a symbol and resets its CreatedAt.
// The replaced base stays visible to BasesAsOf for timestamps before the reset.
func (r *Registry) SetBase(symbol string, price float64) error {
	if err := validate(symbol, price); err != nil {
		return err
	}

	s := r.shardFor(symbol)
	s.mu.Lock()
	if old, ok := s.bases[symbol]; ok {
		prev := append(s.superseded[symbol], old)
		if len(prev) > maxSuperseded {
			prev = prev[len(prev)-maxSuperseded:]
		}
		s.superseded[symbol] = prev
	}
	s.bases[symbol] = domain.BasePrice{Symbol: symbol, Price: price, CreatedAt: r.now().UTC()}
	s.upserts[symbol] = struct{}{}
	delete(s.deletes, symbol)
	s.mu.Unlock()
	return nil
}

// EnsureBase sets the base to observed only if the symbol has none.
// Returns true when a base was created. An existing base is never overwritten.
func (r *Registry) EnsureBase(symbol string, observed float64) (bool, error) {
	if err := validate(symbol, observed); err != nil {
		return false, err
	}

	s := r.shardFor(symbol)

	s.mu.RLock()
	_, ok := s.bases[symbol]
	s.mu.RUnlock()
	if ok {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bases[symbol]; ok {
		return false, nil
	}
	s.bases[symbol] = domain.BasePrice{Symbol: symbol, Price: observed, CreatedAt: r.now().UTC()}
	s.upserts[symbol] = struct{}{}
	delete(s.deletes, symbol)
	return true, nil
}

// Delete removes the base of a symbol and runs the delete hooks.
// Returns false if the symbol had no base.
func (r *Registry) Delete(symbol string) bool {
	s := r.shardFor(symbol)
	s.mu.Lock()
	_, existed := s.bases[symbol]
	if existed {
		delete(s.bases, symbol)
		delete(s.upserts, symbol)
		delete(s.superseded, symbol)
		s.deletes[symbol] = struct{}{}
	}
	s.mu.Unlock()

	r.hooksMu.RLock()
	hooks := r.onDelete
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(symbol)
	}
	return existed
}

// Len returns the number of symbols with a base.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.bases)
		s.mu.RUnlock()
	}
	return n
}

// All returns every base, ordered by symbol ASC.
func (r *Registry) All() []domain.BasePrice {
	var result []domain.BasePrice
	for _, s := range r.shards {
		s.mu.RLock()
		for _, b := range s.bases {
			result = append(result, b)
		}
		s.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result
}

// Symbols returns every symbol with a base, ordered ASC.
func (r *Registry) Symbols() []string {
	all := r.All()
	symbols := make([]string, len(all))
	for i, b := range all {
		symbols[i] = b.Symbol
	}
	return symbols
}

// AsOf is a read-only view of the bases in effect at a timestamp.
type AsOf struct {
	r      *Registry
	cutoff int64 // ms
}

// BasesAsOf returns a view of the registry as it would have looked at timestampMs.
// A symbol rebased after timestampMs resolves to the base it replaced; a symbol
// first created after timestampMs is hidden.
func (r *Registry) BasesAsOf(timestampMs int64) AsOf {
	return AsOf{r: r, cutoff: timestampMs}
}

// GetBase returns the base of symbol in effect at the cutoff.
func (v AsOf) GetBase(symbol string) (float64, error) {
	s := v.r.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bases[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrNoBasePrice, symbol)
	}
	if b.CreatedAt.UnixMilli() <= v.cutoff {
		return b.Price, nil
	}
	prev := s.superseded[symbol]
	for i := len(prev) - 1; i >= 0; i-- {
		if prev[i].CreatedAt.UnixMilli() <= v.cutoff {
			return prev[i].Price, nil
		}
	}
	return 0, fmt.Errorf("%w: %s created after %d", domain.ErrNoBasePrice, symbol, v.cutoff)
}

// Flush writes pending upserts and deletions to store.
// On failure the affected entries stay pending for the next call.
func (r *Registry) Flush(ctx context.Context, store storage.BasePriceStore) (saved, deleted int, err error) {
	var upserts []*domain.BasePrice
	var deletes []string

	for _, s := range r.shards {
		s.mu.Lock()
		for symbol := range s.upserts {
			b := s.bases[symbol]
			upserts = append(upserts, &b)
		}
		for symbol := range s.deletes {
			deletes = append(deletes, symbol)
		}
		clear(s.upserts)
		clear(s.deletes)
		s.mu.Unlock()
	}

	if len(upserts) == 0 && len(deletes) == 0 {
		return 0, 0, nil
	}

	for i, symbol := range deletes {
		if err := store.DeleteBySymbol(ctx, symbol); err != nil {
			r.requeueDeletes(deletes[i:])
			r.requeueUpserts(upserts)
			return 0, i, fmt.Errorf("delete base %s: %w", symbol, err)
		}
	}

	if len(upserts) > 0 {
		if err := store.SaveAll(ctx, upserts); err != nil {
			r.requeueUpserts(upserts)
			return 0, len(deletes), fmt.Errorf("save bases: %w", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"saved":   len(upserts),
		"deleted": len(deletes),
	}).Debug("flushed base prices")

	return len(upserts), len(deletes), nil
}

// requeueUpserts marks symbols pending again unless they were deleted meanwhile.
func (r *Registry) requeueUpserts(bases []*domain.BasePrice) {
	for _, b := range bases {
		s := r.shardFor(b.Symbol)
		s.mu.Lock()
		if _, ok := s.bases[b.Symbol]; ok {
			s.upserts[b.Symbol] = struct{}{}
		}
		s.mu.Unlock()
	}
}

// requeueDeletes marks deletions pending again unless the symbol was re-added meanwhile.
func (r *Registry) requeueDeletes(symbols []string) {
	for _, symbol := range symbols {
		s := r.shardFor(symbol)
		s.mu.Lock()
		if _, ok := s.bases[symbol]; !ok {
			s.deletes[symbol] = struct{}{}
		}
		s.mu.Unlock()
	}
}

// Pending returns the number of unflushed mutations.
func (r *Registry) Pending() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.upserts) + len(s.deletes)
		s.mu.RUnlock()
	}
	return n
}

// Load replaces in-memory bases with the contents of store. Loaded bases are not pending.
func (r *Registry) Load(ctx context.Context, store storage.BasePriceStore) (int, error) {
	bases, err := store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load bases: %w", err)
	}

	loaded := 0
	for _, b := range bases {
		if validate(b.Symbol, b.Price) != nil {
			r.log.WithField("symbol", b.Symbol).Warn("skipping stored base with invalid price")
			continue
		}
		s := r.shardFor(b.Symbol)
		s.mu.Lock()
		s.bases[b.Symbol] = *b
		s.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func validate(symbol string, price float64) error {
	if symbol == "" {
		return domain.ErrInvalidSymbol
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: %s %v", domain.ErrInvalidPrice, symbol, price)
	}
	return nil
}
