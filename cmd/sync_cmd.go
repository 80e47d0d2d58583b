package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [owner/name...]",
	Short: "Sync repositories from GitHub",
	Long: `Sync one or more repositories. Without arguments every repository in
the configuration is synced.

The first sync of a repository fetches the most recently updated issues; later
syncs only fetch issues updated since the last successful sync.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var tenants []models.Tenant
	if len(args) == 0 {
		if tenants, err = cfg.Tenants(); err != nil {
			return err
		}
		if len(tenants) == 0 {
			return fmt.Errorf("no repositories configured, use 'argh add-repo owner/name'")
		}
	} else {
		for _, arg := range args {
			t, err := models.ParseTenant(arg)
			if err != nil {
				return err
			}
			tenants = append(tenants, t)
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if len(tenants) > 1 {
		err = a.coordinator.SyncAll(ctx, tenants)
		a.log.Info("sync completed", "repositories", len(tenants), "duration", time.Since(start))
		return err
	}

	res, err := a.coordinator.Sync(ctx, tenants[0])
	if err != nil {
		return fmt.Errorf("failed to sync repository %s: %w", tenants[0], err)
	}
	return printResult(cmd, res, time.Since(start))
}

func printResult(cmd *cobra.Command, res *sync.Result, elapsed time.Duration) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "%s: %s sync, %d issues, %d labels", res.Tenant, res.SyncType, res.IssuesSynced, res.LabelsSynced)
	if res.LabelFailures > 0 {
		fmt.Fprintf(out, " (%d label failures)", res.LabelFailures)
	}
	fmt.Fprintf(out, " in %v\n", elapsed.Round(time.Millisecond))
	return nil
}
