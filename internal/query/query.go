// Package query serves issue and label lists read-through the tenant cache.
package query

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/cache"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/models"
)

const (
	DefaultPerPage = 30
	MaxPerPage     = 100
)

// Store is the read side of the durable store
type Store interface {
	ListIssues(ctx context.Context, tenant models.Tenant, filter db.IssueFilter) ([]*models.Issue, error)
	ListLabels(ctx context.Context, tenant models.Tenant) ([]*models.Label, error)
}

// IssueQuery selects one page of a tenant's issues
type IssueQuery struct {
	State   string
	Page    int
	PerPage int
}

func (q IssueQuery) normalized() (IssueQuery, error) {
	switch q.State {
	case "", "all":
		q.State = "all"
	case "open", "closed":
	default:
		return q, apperr.Validation("state must be open, closed or all, got %q", q.State)
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = DefaultPerPage
	}
	if q.PerPage > MaxPerPage {
		q.PerPage = MaxPerPage
	}
	return q, nil
}

// IssuePage is one page of issues
type IssuePage struct {
	Issues  []*models.Issue `json:"issues"`
	State   string          `json:"state"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

// Service answers list queries from the cache, loading misses from the store.
// Concurrent misses on the same key share one store read.
type Service struct {
	store Store
	keys  *cache.Keyspace
	group singleflight.Group
	log   *slog.Logger
}

// New creates a query service
func New(store Store, keys *cache.Keyspace, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, keys: keys, log: log}
}

// Issues returns one page of the tenant's issues, most recently updated first.
func (s *Service) Issues(ctx context.Context, tenant models.Tenant, q IssueQuery) (*IssuePage, error) {
	q, err := q.normalized()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("state", q.State)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("per_page", strconv.Itoa(q.PerPage))

	issues, err := readThrough(ctx, s, tenant, cache.KindIssues, params, func() ([]*models.Issue, error) {
		issues, err := s.store.ListIssues(ctx, tenant, db.IssueFilter{
			State:  q.State,
			Limit:  q.PerPage,
			Offset: (q.Page - 1) * q.PerPage,
		})
		if issues == nil {
			issues = []*models.Issue{}
		}
		return issues, err
	})
	if err != nil {
		return nil, err
	}
	return &IssuePage{Issues: issues, State: q.State, Page: q.Page, PerPage: q.PerPage}, nil
}

// Labels returns every label of the tenant ordered by name.
func (s *Service) Labels(ctx context.Context, tenant models.Tenant) ([]*models.Label, error) {
	return readThrough(ctx, s, tenant, cache.KindLabels, nil, func() ([]*models.Label, error) {
		labels, err := s.store.ListLabels(ctx, tenant)
		if labels == nil {
			labels = []*models.Label{}
		}
		return labels, err
	})
}

// readThrough returns the cached entry, or runs load and caches its result.
// The key is fixed before load runs, so a load racing an invalidation is
// stored under the old generation and never read back.
func readThrough[T any](ctx context.Context, s *Service, tenant models.Tenant, kind string, params url.Values, load func() (T, error)) (T, error) {
	var zero T
	key, err := s.keys.Key(ctx, tenant, kind, params)
	if err != nil {
		s.log.Warn("cache unavailable, reading store", "tenant", tenant.String(), "error", err)
		v, err := load()
		if err != nil {
			return zero, apperr.Store("load "+kind, err)
		}
		return v, nil
	}

	var cached T
	ok, err := s.keys.GetJSON(ctx, key, &cached)
	if err != nil {
		s.log.Warn("cache read failed", "key", key, "error", err)
	}
	if ok {
		return cached, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		v, err := load()
		if err != nil {
			return nil, err
		}
		if err := s.keys.SetJSON(ctx, key, v); err != nil {
			s.log.Warn("cache fill failed", "key", key, "error", err)
		}
		return v, nil
	})
	if err != nil {
		return zero, apperr.Store("load "+kind, err)
	}
	if shared {
		s.log.Debug("shared cache fill", "key", key)
	}
	return v.(T), nil
}
