package memory

import (
	"context"
	"sort"
	"sync"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// WaveStateStore is an in-memory implementation of storage.WaveStateStore.
type WaveStateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.WaveState // keyed by symbol
}

// NewWaveStateStore creates a new in-memory wave state store.
func NewWaveStateStore() *WaveStateStore {
	return &WaveStateStore{
		data: make(map[string]*domain.WaveState),
	}
}

// SaveAll upserts states keyed by symbol.
func (s *WaveStateStore) SaveAll(_ context.Context, states []*domain.WaveState) error {
	for _, st := range states {
		if st == nil || st.Symbol == "" || !st.Phase.IsValid() {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range states {
		s.data[st.Symbol] = cloneState(st)
	}
	return nil
}

// GetAll retrieves all states, ordered by symbol ASC.
func (s *WaveStateStore) GetAll(_ context.Context) ([]*domain.WaveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.WaveState, 0, len(s.data))
	for _, st := range s.data {
		result = append(result, cloneState(st))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// Delete removes the state of a symbol.
func (s *WaveStateStore) Delete(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, symbol)
	return nil
}

// cloneState deep-copies a state so callers cannot mutate stored data.
func cloneState(st *domain.WaveState) *domain.WaveState {
	c := *st
	if st.Current != nil {
		w := *st.Current
		c.Current = &w
	}
	if st.LastClosed != nil {
		w := *st.LastClosed
		c.LastClosed = &w
	}
	if st.History != nil {
		c.History = append([]domain.UptrendWave(nil), st.History...)
	}
	return &c
}

var _ storage.WaveStateStore = (*WaveStateStore)(nil)
