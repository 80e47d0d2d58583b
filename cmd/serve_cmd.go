package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and serve the mirrored data",
	Long: `Run the HTTP server. It accepts GitHub webhook deliveries at
/webhooks/github, on-demand syncs at /api/repos/{owner}/{repo}/sync and
answers issue, label and sync history queries from the cache.

When sync.interval is set, every configured repository is also synced on
that interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	tenants, err := cfg.Tenants()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Address:  cfg.ListenAddr,
		Syncer:   a.coordinator,
		Webhooks: a.ingestor,
		Reader:   a.query,
		History:  a.ledger,
		Logger:   a.log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if cfg.Sync.Interval > 0 && len(tenants) > 0 {
		g.Go(func() error {
			periodicSync(ctx, a, tenants, cfg.Sync.Interval)
			return nil
		})
	}
	return g.Wait()
}

func periodicSync(ctx context.Context, a *app, tenants []models.Tenant, interval time.Duration) {
	a.log.Info("periodic sync enabled", "interval", interval, "repositories", len(tenants))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are logged per repository by SyncAll
			_ = a.coordinator.SyncAll(ctx, tenants)
		}
	}
}
