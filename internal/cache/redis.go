package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "mirror"
	scanBatch        = 200
)

// RedisOption is a functional option for configuring the Redis store.
type RedisOption func(*RedisStore)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithConnectTimeout bounds how long NewRedisStore keeps retrying the initial ping.
func WithConnectTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// RedisStore implements Store on top of Redis. Expiry is delegated to
// Redis; prefix removal walks the keyspace with SCAN.
type RedisStore struct {
	client         *redis.Client
	namespace      string
	connectTimeout time.Duration
	closed         atomic.Bool
}

// NewRedisStore connects to redisURL (e.g. "redis://localhost:6379/0").
// The initial ping is retried with exponential backoff.
func NewRedisStore(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	s := NewRedisStoreFromClient(redis.NewClient(redisOpts), opts...)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = s.connectTimeout

	ping := func() error {
		return s.client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

// NewRedisStoreFromClient wraps an existing client without checking connectivity.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:         client,
		namespace:      defaultNamespace,
		connectTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, fmt.Errorf("cache store is closed")
	}

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return fmt.Errorf("cache store is closed")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("cache store is closed")
	}

	match := escapeGlob(s.key(prefix)) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scanning %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("deleting %s: %w", prefix, err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
