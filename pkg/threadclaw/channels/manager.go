// manager.go routes history requests to the provider registered for the
// conversation's platform, giving the state cache a single HistorySource
// over any number of platform integrations.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

// Manager aggregates history providers and implements
// conversation.HistorySource by dispatching on ConversationID.Platform.
type Manager struct {
	// providers stores all registered providers, indexed by name.
	providers map[string]HistoryProvider

	logger *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a provider manager with the given logger.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]HistoryProvider),
		logger:    logger,
	}
}

// Register adds a provider to the manager. Must be called before Start.
func (m *Manager) Register(p HistoryProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}

	m.providers[name] = p
	m.logger.Info("history provider registered", "platform", name)
	return nil
}

// Start connects all registered providers. Providers that fail to connect
// are logged but do not block the others; conversations on a dead platform
// surface the failure per-rebuild instead.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]HistoryProvider, len(m.providers))
	for k, v := range m.providers {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no history providers registered")
		return nil
	}

	var connected int
	for name, p := range snapshot {
		if err := p.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect provider",
				"platform", name,
				"error", err,
			)
			continue
		}
		connected++
		m.logger.Info("provider connected", "platform", name)
	}

	if connected == 0 {
		return fmt.Errorf("no history provider connected successfully")
	}
	return nil
}

// Stop disconnects all providers gracefully.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, p := range m.providers {
		if err := p.Disconnect(); err != nil {
			m.logger.Error("error disconnecting provider",
				"platform", name,
				"error", err,
			)
		}
	}
}

// ListHistory implements conversation.HistorySource.
func (m *Manager) ListHistory(ctx context.Context, id conversation.ConversationID) ([]conversation.PlatformMessage, error) {
	m.mu.RLock()
	p, exists := m.providers[id.Platform]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, id.Platform)
	}
	if !p.IsConnected() {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisconnected, id.Platform)
	}

	return p.ListHistory(ctx, id.ChannelID, id.ThreadID)
}

// Health returns per-platform health, for the CLI health command.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(m.providers))
	for name, p := range m.providers {
		out[name] = p.Health()
	}
	return out
}

// Compile-time interface verification.
var _ conversation.HistorySource = (*Manager)(nil)
