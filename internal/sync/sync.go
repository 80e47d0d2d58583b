// Package sync pulls issues and labels from GitHub into the local store.
//
// A Coordinator decides between a full and an incremental sync from the
// ledger's cursor, rate limits repeated syncs per repository, and keeps a
// merged issue view in memory and in the cache.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/apperr"
	"github.com/wesm/github-issue-mirror/internal/cache"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/ledger"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/reconcile"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

const (
	// DefaultCooldown is the minimum time between the starts of two syncs of a repository.
	DefaultCooldown = 60 * time.Second
	// DefaultPageSize is the number of issues requested per sync.
	DefaultPageSize = 50
)

// Upstream lists issues and labels of a repository
type Upstream interface {
	ListIssues(ctx context.Context, owner, repo string, opts api.IssueListOptions) ([]*github.Issue, error)
	ListLabels(ctx context.Context, owner, repo string) ([]*github.Label, error)
}

// Store is the read side of the durable store used to rebuild a lost view.
type Store interface {
	ListIssues(ctx context.Context, tenant models.Tenant, filter db.IssueFilter) ([]*models.Issue, error)
}

// Result describes a completed sync
type Result struct {
	Tenant        models.Tenant   `json:"tenant"`
	SyncType      models.SyncType `json:"sync_type"`
	Since         *time.Time      `json:"since,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	IssuesSynced  int             `json:"issues_synced"`
	LabelsSynced  int             `json:"labels_synced"`
	LabelFailures int             `json:"label_failures"`
	ViewSize      int             `json:"view_size"`
}

// Coordinator handles syncing GitHub issues to the local database
type Coordinator struct {
	upstream   Upstream
	store      Store
	reconciler *reconcile.Reconciler
	ledger     *ledger.Ledger
	keys       *cache.Keyspace

	cooldown time.Duration
	pageSize int
	workers  int
	holder   string
	now      func() time.Time
	log      *slog.Logger
	metrics  *telemetry.Metrics

	mu        sync.Mutex
	lastStart map[models.Tenant]time.Time
	views     map[models.Tenant]issueView
}

// issueView is a merged view and the cache generation it was written under.
// Any write to the tenant rotates the generation and retires the view.
type issueView struct {
	generation string
	issues     []*models.Issue
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithHolder sets the lease holder id. Defaults to a random uuid.
func WithHolder(id string) Option {
	return func(c *Coordinator) {
		if id != "" {
			c.holder = id
		}
	}
}

// New creates a new coordinator
func New(upstream Upstream, store Store, reconciler *reconcile.Reconciler, ldg *ledger.Ledger, keys *cache.Keyspace, opts ...Option) *Coordinator {
	c := &Coordinator{
		upstream:   upstream,
		store:      store,
		reconciler: reconciler,
		ledger:     ldg,
		keys:       keys,
		cooldown:   DefaultCooldown,
		pageSize:   DefaultPageSize,
		workers:    5,
		holder:     uuid.NewString(),
		now:        time.Now,
		log:        slog.Default(),
		lastStart:  make(map[models.Tenant]time.Time),
		views:      make(map[models.Tenant]issueView),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetWorkers sets how many repositories SyncAll syncs in parallel
func (c *Coordinator) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 10 {
		workers = 10 // Cap at 10 to avoid overwhelming GitHub API
	}
	c.workers = workers
}

// Sync runs one sync of tenant. A call started within the cooldown of the
// previous start is rejected with *apperr.RateLimitError and leaves no record.
// Any other failure is recorded as a failed full sync and returned.
func (c *Coordinator) Sync(ctx context.Context, tenant models.Tenant) (*Result, error) {
	if !tenant.Valid() {
		return nil, apperr.Validation("repository must be owner/name, got %q", tenant.String())
	}

	start := c.now().UTC()
	if err := c.acquire(ctx, tenant, start); err != nil {
		var rl *apperr.RateLimitError
		if errors.As(err, &rl) {
			c.metrics.SyncAttempt(ctx, "", "rate_limited")
			return nil, err
		}
		c.fail(ctx, tenant, err, start)
		return nil, err
	}

	res, err := c.run(ctx, tenant, start)
	if err != nil {
		c.fail(ctx, tenant, err, start)
		return nil, err
	}
	c.metrics.SyncAttempt(ctx, string(res.SyncType), string(models.SyncSuccess))
	return res, nil
}

// View returns the merged issue view held in memory for tenant, if any.
func (c *Coordinator) View(tenant models.Tenant) ([]*models.Issue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[tenant]
	if !ok {
		return nil, false
	}
	return append([]*models.Issue(nil), view.issues...), true
}

// SyncAll syncs every tenant using a pool of workers. A failing tenant does
// not stop the others; all failures are returned joined.
func (c *Coordinator) SyncAll(ctx context.Context, tenants []models.Tenant) error {
	if len(tenants) == 0 {
		return nil
	}

	workers := c.workers
	if workers > len(tenants) {
		workers = len(tenants)
	}

	tenantsChan := make(chan models.Tenant, len(tenants))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tenant := range tenantsChan {
				if ctx.Err() != nil {
					return
				}
				res, err := c.Sync(ctx, tenant)
				if err != nil {
					c.log.Warn("sync failed", "tenant", tenant.String(), "error", err)
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", tenant, err))
					mu.Unlock()
					continue
				}
				c.log.Info("synced repository",
					"tenant", tenant.String(),
					"sync_type", res.SyncType,
					"issues", res.IssuesSynced,
					"labels", res.LabelsSynced,
					"label_failures", res.LabelFailures,
				)
			}
		}()
	}

	for _, tenant := range tenants {
		tenantsChan <- tenant
	}
	close(tenantsChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// acquire applies the in-process cooldown and then takes the persisted lease
// so other processes sharing the store observe the same cooldown.
func (c *Coordinator) acquire(ctx context.Context, tenant models.Tenant, start time.Time) error {
	c.mu.Lock()
	if last, ok := c.lastStart[tenant]; ok {
		if wait := last.Add(c.cooldown).Sub(start); wait > 0 {
			c.mu.Unlock()
			return &apperr.RateLimitError{Tenant: tenant.String(), RetryAfter: wait}
		}
	}
	c.lastStart[tenant] = start
	c.mu.Unlock()

	ok, until, err := c.ledger.AcquireLease(ctx, tenant, c.holder, start, c.cooldown)
	if err != nil {
		return apperr.Store("acquire sync lease", err)
	}
	if ok {
		return nil
	}

	c.mu.Lock()
	if c.lastStart[tenant].Equal(start) {
		c.lastStart[tenant] = until.Add(-c.cooldown)
	}
	c.mu.Unlock()
	return &apperr.RateLimitError{Tenant: tenant.String(), RetryAfter: until.Sub(start)}
}

func (c *Coordinator) fail(ctx context.Context, tenant models.Tenant, err error, start time.Time) {
	c.log.Error("sync failed", "tenant", tenant.String(), "error", err)
	c.ledger.RecordFailure(ctx, tenant, models.SyncFull, err, start)
	c.metrics.SyncAttempt(ctx, string(models.SyncFull), string(models.SyncFailed))
}

func (c *Coordinator) run(ctx context.Context, tenant models.Tenant, start time.Time) (*Result, error) {
	last, err := c.ledger.Cursor(ctx, tenant)
	if err != nil {
		return nil, apperr.Store("read sync cursor", err)
	}

	res := &Result{Tenant: tenant, SyncType: models.SyncFull, StartedAt: start}
	opts := api.IssueListOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "desc",
		Page:      1,
		PerPage:   c.pageSize,
	}
	if last != nil {
		since := last.UTC()
		res.SyncType = models.SyncIncremental
		res.Since = &since
		opts.Since = since
	}

	c.log.Info("syncing repository", "tenant", tenant.String(), "sync_type", res.SyncType, "since", opts.Since)

	// read before the label pre-sync, whose writes retire the cached view
	var previous []*models.Issue
	if res.SyncType == models.SyncIncremental {
		if previous, err = c.previousView(ctx, tenant); err != nil {
			return nil, err
		}
	}

	if err := c.syncLabels(ctx, tenant, res); err != nil {
		return nil, err
	}

	ghIssues, err := c.upstream.ListIssues(ctx, tenant.Owner, tenant.Repo, opts)
	if err != nil {
		return nil, upstreamErr("list issues", err)
	}

	issues := make([]*models.Issue, 0, len(ghIssues))
	for _, gh := range ghIssues {
		if gh.IsPullRequest() {
			continue
		}
		issue, err := reconcile.NormalizeIssue(tenant, gh, reconcile.NormalizeOptions{})
		if err != nil {
			return nil, upstreamErr("decode issue", err)
		}
		issues = append(issues, issue)
	}

	if res.SyncType == models.SyncIncremental && len(issues) == 0 {
		c.ledger.RecordSuccess(ctx, tenant, res.SyncType, 0, start)
		c.log.Info("no issues changed", "tenant", tenant.String(), "since", opts.Since)
		return res, nil
	}

	for _, issue := range issues {
		if err := c.reconciler.ReconcileIssue(ctx, tenant, issue); err != nil {
			return nil, err
		}
	}
	res.IssuesSynced = len(issues)

	view := issues
	if res.SyncType == models.SyncIncremental {
		view = mergeView(previous, issues)
	}
	res.ViewSize = len(view)

	if err := c.keys.InvalidateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	c.metrics.Invalidated(ctx)
	c.storeView(ctx, tenant, view)

	c.ledger.RecordSuccess(ctx, tenant, res.SyncType, res.IssuesSynced, start)
	return res, nil
}

// syncLabels reconciles every upstream label. A label that fails is counted
// and logged; only the listing itself aborts the sync.
func (c *Coordinator) syncLabels(ctx context.Context, tenant models.Tenant, res *Result) error {
	ghLabels, err := c.upstream.ListLabels(ctx, tenant.Owner, tenant.Repo)
	if err != nil {
		return upstreamErr("list labels", err)
	}

	for _, gh := range ghLabels {
		label, err := reconcile.NormalizeLabel(tenant, gh)
		if err == nil {
			err = c.reconciler.ReconcileLabel(ctx, tenant, label)
		}
		if err != nil {
			res.LabelFailures++
			c.log.Warn("failed to sync label", "tenant", tenant.String(), "label", gh.GetName(), "error", err)
			continue
		}
		res.LabelsSynced++
	}
	return nil
}

// previousView finds the view an incremental sync merges into: the in-memory
// copy while its generation is current, else the cached copy, else whatever
// the store holds.
func (c *Coordinator) previousView(ctx context.Context, tenant models.Tenant) ([]*models.Issue, error) {
	gen, err := c.keys.Generation(ctx, tenant)
	if err != nil {
		c.log.Warn("failed to read cache generation", "tenant", tenant.String(), "error", err)
	} else {
		c.mu.Lock()
		mem, ok := c.views[tenant]
		c.mu.Unlock()
		if ok && mem.generation == gen {
			return append([]*models.Issue(nil), mem.issues...), nil
		}

		var view []*models.Issue
		ok, err = c.keys.GetJSON(ctx, cache.KeyAt(tenant, gen, cache.KindIssuesView, nil), &view)
		if err != nil {
			c.log.Warn("failed to read cached issue view", "tenant", tenant.String(), "error", err)
		} else if ok {
			return view, nil
		}
	}

	view, err := c.store.ListIssues(ctx, tenant, db.IssueFilter{})
	if err != nil {
		return nil, apperr.Store("load issue view", err)
	}
	return view, nil
}

// storeView caches the merged view and keeps it in memory under the same
// generation. The store already holds every row, so a cache failure is only
// logged and leaves no in-memory view behind.
func (c *Coordinator) storeView(ctx context.Context, tenant models.Tenant, view []*models.Issue) {
	gen, err := c.keys.Generation(ctx, tenant)
	if err == nil {
		err = c.keys.SetJSON(ctx, cache.KeyAt(tenant, gen, cache.KindIssuesView, nil), view)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.views, tenant)
		c.log.Warn("failed to cache issue view", "tenant", tenant.String(), "error", err)
		return
	}
	c.views[tenant] = issueView{generation: gen, issues: view}
}

// mergeView replaces issues of previous that changed, in place, and appends
// new ones. previous is not modified.
func mergeView(previous, changed []*models.Issue) []*models.Issue {
	merged := make([]*models.Issue, len(previous), len(previous)+len(changed))
	copy(merged, previous)

	index := make(map[int]int, len(merged))
	for i, issue := range merged {
		index[issue.Number] = i
	}
	for _, issue := range changed {
		if i, ok := index[issue.Number]; ok {
			merged[i] = issue
			continue
		}
		index[issue.Number] = len(merged)
		merged = append(merged, issue)
	}
	return merged
}

func upstreamErr(op string, err error) error {
	var upstream *apperr.UpstreamError
	if errors.As(err, &upstream) {
		return err
	}
	return apperr.Upstream(op, err)
}
