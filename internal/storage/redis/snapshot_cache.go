package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-breadth/internal/domain"
	"market-breadth/internal/storage"
)

const (
	distributionKey = "snapshot:distribution"
	uptrendKey      = "snapshot:uptrend"
)

// SnapshotCache implements storage.SnapshotCache with JSON values and a TTL.
// A zero TTL keeps snapshots until overwritten.
type SnapshotCache struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotCache creates a new SnapshotCache.
func NewSnapshotCache(client *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

// Compile-time interface check.
var _ storage.SnapshotCache = (*SnapshotCache)(nil)

// PutDistribution replaces the cached distribution snapshot.
func (c *SnapshotCache) PutDistribution(ctx context.Context, s *domain.DistributionSnapshot) error {
	if s == nil {
		return storage.ErrInvalidInput
	}
	return c.set(ctx, distributionKey, s)
}

// GetDistribution returns the cached distribution snapshot.
func (c *SnapshotCache) GetDistribution(ctx context.Context) (*domain.DistributionSnapshot, error) {
	var s domain.DistributionSnapshot
	if err := c.get(ctx, distributionKey, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// PutUptrend replaces the cached uptrend snapshot.
func (c *SnapshotCache) PutUptrend(ctx context.Context, s *domain.UptrendSnapshot) error {
	if s == nil {
		return storage.ErrInvalidInput
	}
	return c.set(ctx, uptrendKey, s)
}

// GetUptrend returns the cached uptrend snapshot.
func (c *SnapshotCache) GetUptrend(ctx context.Context) (*domain.UptrendSnapshot, error) {
	var s domain.UptrendSnapshot
	if err := c.get(ctx, uptrendKey, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *SnapshotCache) set(ctx context.Context, key string, value interface{}) (err error) {
	defer func(start time.Time) { observe("snapshot_set", start, err) }(time.Now())

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err = c.client.Set(ctx, c.client.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *SnapshotCache) get(ctx context.Context, key string, dest interface{}) (err error) {
	defer func(start time.Time) { observe("snapshot_get", start, err) }(time.Now())

	data, err := c.client.Get(ctx, c.client.key(key)).Bytes()
	if err != nil {
		if isNil(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err = json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
