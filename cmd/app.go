package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wesm/github-issue-mirror/config"
	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/cache"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/ledger"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/query"
	"github.com/wesm/github-issue-mirror/internal/reconcile"
	"github.com/wesm/github-issue-mirror/internal/sync"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
	"github.com/wesm/github-issue-mirror/internal/webhook"
)

// app holds the components shared by every command
type app struct {
	cfg *config.Config
	log *slog.Logger

	db          *db.DB
	keys        *cache.Keyspace
	ledger      *ledger.Ledger
	coordinator *sync.Coordinator
	ingestor    *webhook.Ingestor
	query       *query.Service

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	log, logCloser, err := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)

	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.db, err = openDatabase(ctx, cfg.DatabasePath, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db)
	if err = a.db.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Debug("database ready", "dialect", a.db.Dialect())

	store, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)

	upstream, err := newUpstream(cfg)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.New()
	a.keys = cache.NewKeyspace(store, cfg.Cache.TTL)
	a.ledger = ledger.New(a.db, ledger.WithLogger(log))
	reconciler := reconcile.New(a.db, a.keys,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(metrics),
	)

	a.coordinator = sync.New(upstream, a.db, reconciler, a.ledger, a.keys,
		sync.WithCooldown(cfg.Sync.Cooldown),
		sync.WithPageSize(cfg.Sync.PageSize),
		sync.WithLogger(log),
		sync.WithMetrics(metrics),
	)
	a.coordinator.SetWorkers(cfg.Sync.Workers)

	a.ingestor = webhook.New(cfg.WebhookSecret, reconciler, a.ledger,
		webhook.WithLogger(log),
		webhook.WithMetrics(metrics),
	)
	a.query = query.New(a.db, a.keys, log)

	return a, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openDatabase retries the initial connection, which matters for postgres
// starting alongside the service.
func openDatabase(ctx context.Context, dsn string, log *slog.Logger) (*db.DB, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	var database *db.DB
	connect := func() error {
		var err error
		database, err = db.Open(ctx, dsn)
		if err != nil && db.DialectForDSN(dsn) == db.DialectSQLite {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("database not ready, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return cache.NewRedisStore(ctx, cfg.RedisURL)
	default:
		return cache.NewMemoryStore(cfg.Size)
	}
}

func newUpstream(cfg *config.Config) (sync.Upstream, error) {
	if cfg.Sync.UseGraphQL {
		return api.NewGraphQLClient(cfg.GitHubToken), nil
	}
	return api.NewGitHubClient(cfg.GitHubToken)
}
