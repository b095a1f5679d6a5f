package feed

import (
	"context"
	"sync"

	"market-breadth/internal/domain"
)

// Stub is an in-memory Source for tests.
// Each call to Latest returns the next queued batch; after the queue drains
// it keeps returning the last batch unless Repeat is false.
type Stub struct {
	mu      sync.Mutex
	batches [][]domain.PriceSample
	last    []domain.PriceSample
	err     error
	calls   int
	Repeat  bool
}

// NewStub creates a stub source with queued batches.
func NewStub(batches ...[]domain.PriceSample) *Stub {
	return &Stub{batches: batches}
}

// Push queues a batch.
func (s *Stub) Push(batch []domain.PriceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

// SetError makes subsequent calls fail with err; nil clears it.
func (s *Stub) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of Latest calls.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Latest implements Source.
func (s *Stub) Latest(ctx context.Context) ([]domain.PriceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.batches) > 0 {
		s.last = s.batches[0]
		s.batches = s.batches[1:]
	} else if !s.Repeat {
		return nil, nil
	}
	out := make([]domain.PriceSample, len(s.last))
	copy(out, s.last)
	return out, nil
}

var _ Source = (*Stub)(nil)
