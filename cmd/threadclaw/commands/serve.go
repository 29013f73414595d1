package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/assistant"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/store"
)

// newServeCmd creates the `threadclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the working-state cache service",
		Long: `Start ThreadClaw as a daemon: open the durable store, connect the
configured history providers (Slack, Discord), and run the background sweep.

Examples:
  threadclaw serve
  threadclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger := assistant.NewLogger(cfg.Logging)

	// ── Open durable store ──
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening durable store: %w", err)
	}
	defer db.Close()

	// ── Create assistant ──
	svc := assistant.New(cfg, db, logger)
	if err := svc.RegisterDefaultProviders(); err != nil {
		return fmt.Errorf("registering providers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Start ──
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	// ── Wait for shutdown ──
	logger.Info("ThreadClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"store", cfg.Store.Path,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from the explicit flag or standard locations.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := assistant.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := assistant.FindConfigFile(); found != "" {
		cfg, err := assistant.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	return nil, fmt.Errorf("no configuration file found; run 'threadclaw config init'")
}
