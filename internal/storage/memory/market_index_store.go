package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// MarketIndexStore is an in-memory implementation of storage.MarketIndexStore.
type MarketIndexStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.MarketIndex // keyed by timestamp_ms
}

// NewMarketIndexStore creates a new in-memory market index store.
func NewMarketIndexStore() *MarketIndexStore {
	return &MarketIndexStore{
		data: make(map[int64]*domain.MarketIndex),
	}
}

// Insert adds a new point. Returns ErrDuplicateKey if timestamp_ms exists.
func (s *MarketIndexStore) Insert(_ context.Context, m *domain.MarketIndex) error {
	if m == nil || m.TimestampMs <= 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[m.TimestampMs]; exists {
		return storage.ErrDuplicateKey
	}

	mCopy := *m
	if mCopy.CreatedAt.IsZero() {
		mCopy.CreatedAt = time.Now().UTC()
	}
	s.data[m.TimestampMs] = &mCopy
	return nil
}

// GetLatest retrieves the point with the greatest timestamp.
func (s *MarketIndexStore) GetLatest(_ context.Context) (*domain.MarketIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.MarketIndex
	for _, m := range s.data {
		if latest == nil || m.TimestampMs > latest.TimestampMs {
			latest = m
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	mCopy := *latest
	return &mCopy, nil
}

// GetEarliest retrieves the point with the smallest timestamp.
func (s *MarketIndexStore) GetEarliest(_ context.Context) (*domain.MarketIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var earliest *domain.MarketIndex
	for _, m := range s.data {
		if earliest == nil || m.TimestampMs < earliest.TimestampMs {
			earliest = m
		}
	}
	if earliest == nil {
		return nil, storage.ErrNotFound
	}
	mCopy := *earliest
	return &mCopy, nil
}

// ExistsAt reports whether a point exists at the exact timestamp.
func (s *MarketIndexStore) ExistsAt(_ context.Context, timestampMs int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[timestampMs]
	return exists, nil
}

// GetTimestampsBetween retrieves all timestamps within [start, end] (inclusive), ordered ASC.
func (s *MarketIndexStore) GetTimestampsBetween(_ context.Context, start, end int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []int64
	for ts := range s.data {
		if ts >= start && ts <= end {
			result = append(result, ts)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// GetByTimeRange retrieves points within [start, end] (inclusive), ordered by timestamp ASC.
func (s *MarketIndexStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.MarketIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MarketIndex
	for ts, m := range s.data {
		if ts >= start && ts <= end {
			mCopy := *m
			result = append(result, &mCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}

// CountBetween counts points within [start, end] (inclusive).
func (s *MarketIndexStore) CountBetween(_ context.Context, start, end int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for ts := range s.data {
		if ts >= start && ts <= end {
			n++
		}
	}
	return n, nil
}

// DeleteBetween removes points within [start, end] (inclusive).
func (s *MarketIndexStore) DeleteBetween(_ context.Context, start, end int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ts := range s.data {
		if ts >= start && ts <= end {
			delete(s.data, ts)
			n++
		}
	}
	return n, nil
}

// DeleteBefore removes points strictly older than timestampMs.
func (s *MarketIndexStore) DeleteBefore(_ context.Context, timestampMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ts := range s.data {
		if ts < timestampMs {
			delete(s.data, ts)
			n++
		}
	}
	return n, nil
}

var _ storage.MarketIndexStore = (*MarketIndexStore)(nil)
