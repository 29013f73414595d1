// Package commands implements the ThreadClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "threadclaw",
		Short: "ThreadClaw - conversation working-state cache for chat assistants",
		Long: `ThreadClaw keeps a budget-bounded, per-conversation working context for
chat-platform assistants. The platform (Slack, Discord) stays the durable
source of truth; ThreadClaw caches the assembled context so a turn does not
replay the whole history, and persists thread configuration and asset
metadata across restarts.

Examples:
  threadclaw serve
  threadclaw serve --config ./config.yaml
  threadclaw config init`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
