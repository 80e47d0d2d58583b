package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemorySize = 1024

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// MemoryStore is a bounded in-process Store. Least recently used entries are
// evicted once size is reached; expired entries are dropped lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryStore creates an in-process store holding at most size entries
func NewMemoryStore(size int, opts ...MemoryOption) (*MemoryStore, error) {
	if size <= 0 {
		size = defaultMemorySize
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	s := &MemoryStore{entries: entries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries.Add(key, entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.entries.Keys() {
		if strings.HasPrefix(key, prefix) && s.entries.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries currently held, expired or not
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

func (s *MemoryStore) Close() error {
	s.entries.Purge()
	return nil
}
