package memory

import (
	"context"
	"sync"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

// SnapshotCache is an in-memory implementation of storage.SnapshotCache.
// Snapshots are immutable once built, so pointers are shared.
type SnapshotCache struct {
	mu           sync.RWMutex
	distribution *domain.DistributionSnapshot
	uptrend      *domain.UptrendSnapshot
}

// NewSnapshotCache creates a new in-memory snapshot cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{}
}

// PutDistribution replaces the cached distribution snapshot.
func (c *SnapshotCache) PutDistribution(_ context.Context, s *domain.DistributionSnapshot) error {
	if s == nil {
		return storage.ErrInvalidInput
	}
	c.mu.Lock()
	c.distribution = s
	c.mu.Unlock()
	return nil
}

// GetDistribution returns the cached distribution snapshot.
func (c *SnapshotCache) GetDistribution(_ context.Context) (*domain.DistributionSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.distribution == nil {
		return nil, storage.ErrNotFound
	}
	return c.distribution, nil
}

// PutUptrend replaces the cached uptrend snapshot.
func (c *SnapshotCache) PutUptrend(_ context.Context, s *domain.UptrendSnapshot) error {
	if s == nil {
		return storage.ErrInvalidInput
	}
	c.mu.Lock()
	c.uptrend = s
	c.mu.Unlock()
	return nil
}

// GetUptrend returns the cached uptrend snapshot.
func (c *SnapshotCache) GetUptrend(_ context.Context) (*domain.UptrendSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.uptrend == nil {
		return nil, storage.ErrNotFound
	}
	return c.uptrend, nil
}

var _ storage.SnapshotCache = (*SnapshotCache)(nil)
