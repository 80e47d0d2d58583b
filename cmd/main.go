// Command argh mirrors GitHub issues and labels into a local database and
// serves them from a cache kept coherent with syncs and webhooks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/config"
)

// Global flags
var (
	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "argh",
	Short: "Mirror GitHub issues and labels",
	Long: `argh keeps a local mirror of GitHub issues and labels.

Repositories are synced on demand or periodically, and kept current between
syncs by GitHub webhooks delivered to the serve command.

Examples:
  argh init                       # Write a default config.json
  argh add-repo octo/hello        # Track a repository
  argh sync                       # Sync every tracked repository
  argh sync octo/hello            # Sync one repository
  argh serve                      # Run the webhook receiver and read API
  argh history octo/hello         # Show recent sync records`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addRepoCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
