package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/internal/models"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <owner/name>",
	Short: "Show recent sync records of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	tenant, err := models.ParseTenant(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.ledger.History(ctx, tenant, historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if records == nil {
			records = []*models.SyncRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No syncs recorded for %s\n", tenant)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tTYPE\tSTATUS\tISSUES\tERROR")
	for _, r := range records {
		msg := ""
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.LastSyncAt.Local().Format(time.DateTime), r.SyncType, r.Status, r.IssuesSynced, msg)
	}
	return tw.Flush()
}
