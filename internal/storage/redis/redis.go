// Package redis stores uptrend wave state and the latest snapshots in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"market-breadth/internal/observability"
	"market-breadth/internal/storage"
)

// DefaultPrefix namespaces all keys written by this package.
const DefaultPrefix = "breadth:"

// Client wraps redis.Client with a key prefix.
type Client struct {
	*redis.Client
	prefix string
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int, prefix string) (*Client, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{Client: rdb, prefix: prefix}, nil
}

// key returns the prefixed key.
func (c *Client) key(name string) string {
	return c.prefix + name
}

// Close closes the client.
func (c *Client) Close() error {
	return c.Client.Close()
}

// isNil reports whether err means the key does not exist.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// observe records command latency and failures. A missing key is not a failure.
func observe(operation string, start time.Time, err error) {
	if isNil(err) || errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	observability.RecordDBQuery("redis", operation, time.Since(start).Seconds(), err)
}
