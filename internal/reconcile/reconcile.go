// Package reconcile writes issue and label rows idempotently and keeps the
// tenant cache coherent with every write it makes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

// Store is the slice of the durable store the reconciler writes through.
type Store interface {
	UpsertIssue(ctx context.Context, issue *models.Issue) error
	UpsertLabel(ctx context.Context, label *models.Label) error
	DeleteLabel(ctx context.Context, tenant models.Tenant, name string) (bool, error)
	TouchIssuesWithLabel(ctx context.Context, tenant models.Tenant, name string, at time.Time) (int, error)
}

// Invalidator drops every cache entry of a tenant.
type Invalidator interface {
	InvalidateTenant(ctx context.Context, tenant models.Tenant) error
}

// Reconciler performs upserts that succeed whether or not the row exists.
// On conflict every field is overwritten except created_at. Store errors are
// returned as *apperr.StoreError and never retried here.
type Reconciler struct {
	store   Store
	cache   Invalidator
	now     func() time.Time
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock overrides the time source for created_at/updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New creates a reconciler writing to store and invalidating cache
func New(store Store, cache Invalidator, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: store,
		cache: cache,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileIssue upserts a normalized issue. created_at defaults to now and
// is ignored by the store when the row already exists; updated_at is always now.
func (r *Reconciler) ReconcileIssue(ctx context.Context, tenant models.Tenant, issue *models.Issue) error {
	now := r.now().UTC()
	issue.Owner = tenant.Owner
	issue.Repo = tenant.Repo
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now
	if issue.Labels == nil {
		issue.Labels = []string{}
	}

	if err := r.store.UpsertIssue(ctx, issue); err != nil {
		return apperr.Store("upsert issue", err)
	}
	r.metrics.Reconciled(ctx, "issue")
	return r.invalidate(ctx, tenant)
}

// ReconcileLabel upserts a normalized label.
func (r *Reconciler) ReconcileLabel(ctx context.Context, tenant models.Tenant, label *models.Label) error {
	now := r.now().UTC()
	label.Owner = tenant.Owner
	label.Repo = tenant.Repo
	if label.CreatedAt.IsZero() {
		label.CreatedAt = now
	}
	label.UpdatedAt = now

	if err := r.store.UpsertLabel(ctx, label); err != nil {
		return apperr.Store("upsert label", err)
	}
	r.metrics.Reconciled(ctx, "label")
	return r.invalidate(ctx, tenant)
}

// DeleteLabel removes one label row. Issue label sets are not touched.
func (r *Reconciler) DeleteLabel(ctx context.Context, tenant models.Tenant, name string) (bool, error) {
	deleted, err := r.store.DeleteLabel(ctx, tenant, name)
	if err != nil {
		return false, apperr.Store("delete label", err)
	}
	if !deleted {
		r.log.Debug("label already absent", "tenant", tenant.String(), "label", name)
	}
	return deleted, r.invalidate(ctx, tenant)
}

// TouchIssuesWithLabel bumps updated_at on every issue carrying the label so
// list views pick up label metadata changes.
func (r *Reconciler) TouchIssuesWithLabel(ctx context.Context, tenant models.Tenant, name string) (int, error) {
	n, err := r.store.TouchIssuesWithLabel(ctx, tenant, name, r.now().UTC())
	if err != nil {
		return 0, apperr.Store("touch issues", err)
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.invalidate(ctx, tenant)
}

// invalidate runs straight after the store write, before success is reported.
func (r *Reconciler) invalidate(ctx context.Context, tenant models.Tenant) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.InvalidateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("write for %s succeeded but cache invalidation failed: %w", tenant, err)
	}
	r.metrics.Invalidated(ctx)
	return nil
}
