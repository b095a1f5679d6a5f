package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

const waveStateKey = "wave_state"

// WaveStateStore implements storage.WaveStateStore as one hash field per symbol.
type WaveStateStore struct {
	client *Client
}

// NewWaveStateStore creates a new WaveStateStore.
func NewWaveStateStore(client *Client) *WaveStateStore {
	return &WaveStateStore{client: client}
}

// Compile-time interface check.
var _ storage.WaveStateStore = (*WaveStateStore)(nil)

// SaveAll upserts states keyed by symbol in a single HSET.
func (s *WaveStateStore) SaveAll(ctx context.Context, states []*domain.WaveState) (err error) {
	if len(states) == 0 {
		return nil
	}
	defer func(start time.Time) { observe("wave_state_save", start, err) }(time.Now())

	values := make([]interface{}, 0, 2*len(states))
	for _, st := range states {
		if st == nil || st.Symbol == "" || !st.Phase.IsValid() {
			return storage.ErrInvalidInput
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal wave state %s: %w", st.Symbol, err)
		}
		values = append(values, st.Symbol, data)
	}

	if err = s.client.HSet(ctx, s.client.key(waveStateKey), values...).Err(); err != nil {
		return fmt.Errorf("save wave states: %w", err)
	}
	return nil
}

// GetAll retrieves all states, ordered by symbol ASC.
func (s *WaveStateStore) GetAll(ctx context.Context) (result []*domain.WaveState, err error) {
	defer func(start time.Time) { observe("wave_state_get_all", start, err) }(time.Now())

	fields, err := s.client.HGetAll(ctx, s.client.key(waveStateKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get wave states: %w", err)
	}

	result = make([]*domain.WaveState, 0, len(fields))
	for symbol, raw := range fields {
		var st domain.WaveState
		if err = json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("unmarshal wave state %s: %w", symbol, err)
		}
		result = append(result, &st)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// Delete removes the state of a symbol.
func (s *WaveStateStore) Delete(ctx context.Context, symbol string) (err error) {
	defer func(start time.Time) { observe("wave_state_delete", start, err) }(time.Now())

	if err = s.client.HDel(ctx, s.client.key(waveStateKey), symbol).Err(); err != nil {
		return fmt.Errorf("delete wave state: %w", err)
	}
	return nil
}
