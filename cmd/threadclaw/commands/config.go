package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/assistant"
)

// newConfigCmd creates the `threadclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage service configuration",
		Long: `Manage the ThreadClaw configuration.

Examples:
  threadclaw config init
  threadclaw config show
  threadclaw config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(_ *cobra.Command, _ []string) error {
			const path = "config.yaml"

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := assistant.SaveConfigToFile(assistant.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Configuration written to ./%s\n", path)
			fmt.Println("Set THREADCLAW_SLACK_TOKEN / THREADCLAW_DISCORD_TOKEN in the environment or .env.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Redact secrets before printing.
			shown := *cfg
			if shown.Channels.Slack.BotToken != "" {
				shown.Channels.Slack.BotToken = "<redacted>"
			}
			if shown.Channels.Discord.Token != "" {
				shown.Channels.Discord.Token = "<redacted>"
			}

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the configuration loads and is usable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := resolveConfig(cmd); err != nil {
				return err
			}
			fmt.Println("Configuration OK.")
			return nil
		},
	}
}
