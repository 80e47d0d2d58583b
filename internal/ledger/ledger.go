// Package ledger keeps the append-only audit of sync attempts, derives the
// incremental sync cursor from it, and hands out the per-tenant sync lease.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// DefaultRetention is the number of records kept per tenant.
const DefaultRetention = 20

// Store is the slice of the durable store the ledger needs.
type Store interface {
	InsertSyncRecord(ctx context.Context, rec *models.SyncRecord, keep int) error
	SyncCursor(ctx context.Context, tenant models.Tenant) (*time.Time, error)
	ListSyncRecords(ctx context.Context, tenant models.Tenant, limit int) ([]*models.SyncRecord, error)
	AcquireLease(ctx context.Context, lease models.SyncLease) (bool, *models.SyncLease, error)
}

// Ledger records sync attempts for every write path
type Ledger struct {
	store     Store
	retention int
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithRetention overrides how many records are kept per tenant.
func WithRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retention = n
		}
	}
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a ledger over store
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends rec and prunes the tenant's history to the retention limit.
func (l *Ledger) Record(ctx context.Context, rec *models.SyncRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	if rec.LastSyncAt.IsZero() {
		rec.LastSyncAt = rec.CreatedAt
	}
	if err := l.store.InsertSyncRecord(ctx, rec, l.retention); err != nil {
		return fmt.Errorf("failed to record %s sync for %s: %w", rec.SyncType, rec.Tenant(), err)
	}
	return nil
}

// RecordSuccess records a successful attempt. A ledger failure is logged and
// swallowed: the write it describes has already happened.
func (l *Ledger) RecordSuccess(ctx context.Context, tenant models.Tenant, typ models.SyncType, count int, at time.Time) {
	rec := &models.SyncRecord{
		Owner:        tenant.Owner,
		Repo:         tenant.Repo,
		Status:       models.SyncSuccess,
		IssuesSynced: count,
		SyncType:     typ,
		LastSyncAt:   at.UTC(),
	}
	if err := l.Record(ctx, rec); err != nil {
		l.log.Error("failed to record sync", "tenant", tenant.String(), "sync_type", typ, "error", err)
	}
}

// RecordFailure records a failed attempt. A ledger failure is logged and never
// replaces cause, which the caller goes on to return.
func (l *Ledger) RecordFailure(ctx context.Context, tenant models.Tenant, typ models.SyncType, cause error, at time.Time) {
	msg := cause.Error()
	rec := &models.SyncRecord{
		Owner:        tenant.Owner,
		Repo:         tenant.Repo,
		Status:       models.SyncFailed,
		ErrorMessage: &msg,
		SyncType:     typ,
		LastSyncAt:   at.UTC(),
	}
	if err := l.Record(ctx, rec); err != nil {
		l.log.Error("failed to record sync failure", "tenant", tenant.String(), "sync_type", typ, "cause", cause, "error", err)
	}
}

// Cursor returns the time of the newest successful full or incremental sync,
// the "since" of the next incremental sync, or nil before the first one.
// Webhook records never move it, and pruning the history never loses it.
func (l *Ledger) Cursor(ctx context.Context, tenant models.Tenant) (*time.Time, error) {
	at, err := l.store.SyncCursor(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to get last sync for %s: %w", tenant, err)
	}
	return at, nil
}

// History returns up to limit records for the tenant, newest first.
func (l *Ledger) History(ctx context.Context, tenant models.Tenant, limit int) ([]*models.SyncRecord, error) {
	if limit <= 0 || limit > l.retention {
		limit = l.retention
	}
	records, err := l.store.ListSyncRecords(ctx, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncs for %s: %w", tenant, err)
	}
	return records, nil
}

// AcquireLease takes the tenant's sync lease for ttl on behalf of holder. When
// the lease is held elsewhere it returns false and the time it frees up.
func (l *Ledger) AcquireLease(ctx context.Context, tenant models.Tenant, holder string, now time.Time, ttl time.Duration) (bool, time.Time, error) {
	lease := models.SyncLease{
		Owner:      tenant.Owner,
		Repo:       tenant.Repo,
		Holder:     holder,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	ok, current, err := l.store.AcquireLease(ctx, lease)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to acquire sync lease for %s: %w", tenant, err)
	}
	if ok {
		return true, lease.ExpiresAt, nil
	}
	if current == nil {
		return false, now, nil
	}
	return false, current.ExpiresAt, nil
}
