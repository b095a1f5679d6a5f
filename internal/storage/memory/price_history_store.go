package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// PriceHistoryStore is an in-memory implementation of storage.PriceHistoryStore.
type PriceHistoryStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PriceSample // keyed by (symbol, timestamp_ms)
}

// NewPriceHistoryStore creates a new in-memory price history store.
func NewPriceHistoryStore() *PriceHistoryStore {
	return &PriceHistoryStore{
		data: make(map[string]*domain.PriceSample),
	}
}

// priceKey generates a unique key for a sample.
func priceKey(symbol string, timestampMs int64) string {
	return fmt.Sprintf("%s|%d", symbol, timestampMs)
}

// InsertBulk adds multiple samples. Fails entire batch on duplicate.
func (s *PriceHistoryStore) InsertBulk(_ context.Context, samples []*domain.PriceSample) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(samples))

	// First pass: check for duplicates (existing + intra-batch)
	for _, p := range samples {
		if p == nil || p.Symbol == "" {
			return storage.ErrInvalidInput
		}
		key := priceKey(p.Symbol, p.TimestampMs)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, p := range samples {
		pCopy := *p
		s.data[priceKey(p.Symbol, p.TimestampMs)] = &pCopy
	}
	return nil
}

// GetLatestAsOf retrieves, per symbol, the latest sample within (asOf - lookbackMs, asOf].
func (s *PriceHistoryStore) GetLatestAsOf(_ context.Context, asOf, lookbackMs int64) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*domain.PriceSample)
	for _, p := range s.data {
		if p.TimestampMs > asOf || p.TimestampMs <= asOf-lookbackMs {
			continue
		}
		if cur, ok := latest[p.Symbol]; !ok || p.TimestampMs > cur.TimestampMs {
			latest[p.Symbol] = p
		}
	}

	result := make([]*domain.PriceSample, 0, len(latest))
	for _, p := range latest {
		pCopy := *p
		result = append(result, &pCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// GetBySymbol retrieves samples for a symbol within [start, end] (inclusive), ordered by timestamp ASC.
func (s *PriceHistoryStore) GetBySymbol(_ context.Context, symbol string, start, end int64) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PriceSample
	for _, p := range s.data {
		if p.Symbol == symbol && p.TimestampMs >= start && p.TimestampMs <= end {
			pCopy := *p
			result = append(result, &pCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}

// DeleteBefore removes samples strictly older than timestampMs.
func (s *PriceHistoryStore) DeleteBefore(_ context.Context, timestampMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, p := range s.data {
		if p.TimestampMs < timestampMs {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)
