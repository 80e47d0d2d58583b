// Package cache provides the TTL key-value stores behind the read-through
// issue cache and the tenant keyspace that keeps them coherent with writes.
package cache

import (
	"context"
	"time"
)

// Store is a TTL key-value store with prefix-scoped removal.
// A ttl <= 0 stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}
