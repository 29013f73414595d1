// Package assistant – config.go defines all configuration structures for
// the ThreadClaw working-state cache service.
package assistant

import (
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/discord"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/slack"
)

// Config holds all service configuration.
type Config struct {
	// Name is the service name used in logs.
	Name string `yaml:"name"`

	// Cache configures the working-state cache and its token budget.
	Cache CacheConfig `yaml:"cache"`

	// Sweep configures the age-based eviction pass.
	Sweep SweepConfig `yaml:"sweep"`

	// Store configures the durable side-state database.
	Store StoreConfig `yaml:"store"`

	// Channels configures platform history providers.
	Channels ChannelsConfig `yaml:"channels"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the token accountant applied on every mutation.
type CacheConfig struct {
	// TokenBudget is the maximum estimated token cost a conversation's
	// turns may occupy.
	TokenBudget int `yaml:"token_budget"`

	// CleanupThreshold is the trim trigger ratio of the budget (0–1].
	CleanupThreshold float64 `yaml:"cleanup_threshold"`

	// TrimBatchSize is how many oldest turns are removed per trim step.
	TrimBatchSize int `yaml:"trim_batch_size"`

	// MinRetainedTurns is the newest-turn window trimming never removes.
	MinRetainedTurns int `yaml:"min_retained_turns"`
}

// SweepConfig configures the background eviction pass.
type SweepConfig struct {
	// Interval is the sweep cadence.
	Interval time.Duration `yaml:"interval"`

	// MaxAge is the inactivity age beyond which cache entries are
	// evicted. Durable records are never age-evicted.
	MaxAge time.Duration `yaml:"max_age"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// ChannelsConfig holds configuration for all history providers.
type ChannelsConfig struct {
	// Slack is the Slack provider config.
	Slack slack.Config `yaml:"slack"`

	// Discord is the Discord provider config.
	Discord discord.Config `yaml:"discord"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "ThreadClaw",
		Cache: CacheConfig{
			TokenBudget:      8000,
			CleanupThreshold: 0.8,
			TrimBatchSize:    5,
			MinRetainedTurns: 2,
		},
		Sweep: SweepConfig{
			Interval: time.Hour,
			MaxAge:   24 * time.Hour,
		},
		Store: StoreConfig{
			Path: "./data/threadclaw.db",
		},
		Channels: ChannelsConfig{
			Slack:   slack.DefaultConfig(),
			Discord: discord.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
