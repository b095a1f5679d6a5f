package memory

import (
	"context"
	"sort"
	"sync"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// BasePriceStore is an in-memory implementation of storage.BasePriceStore.
type BasePriceStore struct {
	mu   sync.RWMutex
	data map[string]*domain.BasePrice // keyed by symbol
}

// NewBasePriceStore creates a new in-memory base price store.
func NewBasePriceStore() *BasePriceStore {
	return &BasePriceStore{
		data: make(map[string]*domain.BasePrice),
	}
}

// SaveAll upserts base prices keyed by symbol.
func (s *BasePriceStore) SaveAll(_ context.Context, prices []*domain.BasePrice) error {
	for _, p := range prices {
		if p == nil || p.Symbol == "" || p.Price <= 0 {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prices {
		pCopy := *p
		s.data[p.Symbol] = &pCopy
	}
	return nil
}

// DeleteBySymbol removes the base price of a symbol.
func (s *BasePriceStore) DeleteBySymbol(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, symbol)
	return nil
}

// GetAll retrieves all base prices, ordered by symbol ASC.
func (s *BasePriceStore) GetAll(_ context.Context) ([]*domain.BasePrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.BasePrice, 0, len(s.data))
	for _, p := range s.data {
		pCopy := *p
		result = append(result, &pCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

var _ storage.BasePriceStore = (*BasePriceStore)(nil)
