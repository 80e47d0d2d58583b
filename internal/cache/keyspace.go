package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// DefaultTTL is used when a Keyspace is built without an explicit TTL.
const DefaultTTL = 5 * time.Minute

// Resource kinds stored under a tenant.
const (
	KindIssues     = "issues"
	KindLabels     = "labels"
	KindIssuesView = "issues-view"
)

// Keyspace lays tenant-scoped entries out over a Store.
//
// Every key of a tenant lives under TenantPrefix(tenant) and embeds the
// tenant's current generation token. InvalidateTenant drops the whole prefix
// and rotates the generation, so a reader that loaded rows before a write and
// stores them afterwards lands in a generation nobody reads any more.
type Keyspace struct {
	store Store
	ttl   time.Duration
}

// NewKeyspace wraps store. ttl <= 0 selects DefaultTTL.
func NewKeyspace(store Store, ttl time.Duration) *Keyspace {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Keyspace{store: store, ttl: ttl}
}

// TTL returns the expiry applied by Set
func (k *Keyspace) TTL() time.Duration {
	return k.ttl
}

// TenantPrefix is the prefix shared by every key of a tenant.
func TenantPrefix(t models.Tenant) string {
	return "tenant:" + t.Owner + "/" + t.Repo + "/"
}

func generationKey(t models.Tenant) string {
	return TenantPrefix(t) + "gen"
}

// Generation returns the tenant's current generation token, minting one if
// none is stored yet.
func (k *Keyspace) Generation(ctx context.Context, t models.Tenant) (string, error) {
	data, ok, err := k.store.Get(ctx, generationKey(t))
	if err != nil {
		return "", fmt.Errorf("failed to read cache generation for %s: %w", t, err)
	}
	if ok && len(data) > 0 {
		return string(data), nil
	}

	gen := uuid.NewString()
	if err := k.store.Set(ctx, generationKey(t), []byte(gen), 0); err != nil {
		return "", fmt.Errorf("failed to write cache generation for %s: %w", t, err)
	}
	return gen, nil
}

// Key builds the key of a tenant resource under the current generation.
// params are encoded in sorted order so equal queries share a key.
func (k *Keyspace) Key(ctx context.Context, t models.Tenant, kind string, params url.Values) (string, error) {
	gen, err := k.Generation(ctx, t)
	if err != nil {
		return "", err
	}
	return KeyAt(t, gen, kind, params), nil
}

// KeyAt builds the key of a tenant resource under generation gen.
func KeyAt(t models.Tenant, gen, kind string, params url.Values) string {
	key := TenantPrefix(t) + gen + "/" + kind
	if len(params) > 0 {
		key += "?" + params.Encode()
	}
	return key
}

// InvalidateTenant removes every entry of the tenant and starts a new generation.
func (k *Keyspace) InvalidateTenant(ctx context.Context, t models.Tenant) error {
	if _, err := k.store.DeletePrefix(ctx, TenantPrefix(t)); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", t, err)
	}
	if err := k.store.Set(ctx, generationKey(t), []byte(uuid.NewString()), 0); err != nil {
		return fmt.Errorf("failed to rotate cache generation for %s: %w", t, err)
	}
	return nil
}

// GetJSON decodes the entry at key into v. It reports false on a miss.
func (k *Keyspace) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := k.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v at key with the keyspace TTL.
func (k *Keyspace) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return k.store.Set(ctx, key, data, k.ttl)
}
