// Package channels defines the history provider interface and types for
// ThreadClaw platform integrations. Each platform (Slack, Discord)
// implements HistoryProvider to enumerate a conversation's authoritative
// message history in a unified way. Providers are read-only collaborators:
// this core never sends messages through them.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

// HistoryProvider is the interface every platform integration implements.
type HistoryProvider interface {
	// Name returns the platform identifier (e.g. "slack", "discord").
	Name() string

	// Connect establishes or verifies access to the platform API.
	Connect(ctx context.Context) error

	// Disconnect releases platform resources.
	Disconnect() error

	// ListHistory enumerates the visible messages of one conversation in
	// platform chronological order, oldest first. Control and ephemeral
	// artifacts are returned tagged, not dropped: filtering is the
	// cache's decision.
	ListHistory(ctx context.Context, channelID, threadID string) ([]conversation.PlatformMessage, error)

	// IsConnected reports whether the provider is usable.
	IsConnected() bool

	// Health returns the provider health status.
	Health() HealthStatus
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Connected   bool
	LastFetchAt time.Time
	ErrorCount  int
}

// ProviderConfig contains common configuration for all providers.
type ProviderConfig struct {
	Enabled     bool `yaml:"enabled"`
	PageSize    int  `yaml:"page_size"`
	MaxMessages int  `yaml:"max_messages"`
}

// Errors.
var (
	ErrProviderDisconnected = fmt.Errorf("history provider is not connected")
	ErrUnknownPlatform      = fmt.Errorf("no history provider for platform")
	ErrFetchFailed          = fmt.Errorf("failed to fetch conversation history")
)
