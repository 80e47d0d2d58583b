package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/config"
	"github.com/wesm/github-issue-mirror/internal/models"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration at %s\n", configPath)
		fmt.Fprintf(cmd.OutOrStdout(), "GitHub token can be provided via the %s environment variable\n", config.EnvGithubToken)
		return nil
	},
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo <owner/name>",
	Short: "Add a repository to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := models.ParseTenant(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		if slices.Contains(cfg.Repositories, tenant.String()) {
			fmt.Fprintf(cmd.OutOrStdout(), "Repository %s already exists in configuration\n", tenant)
			return nil
		}

		cfg.Repositories = append(cfg.Repositories, tenant.String())
		if err := config.SaveConfig(cfg, configPath); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added repository %s to configuration\n", tenant)
		return nil
	},
}
