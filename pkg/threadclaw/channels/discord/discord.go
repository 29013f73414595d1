// Package discord implements the Discord history provider for ThreadClaw
// using discordgo.
//
// History is read over the REST API with ChannelMessages pagination — no
// gateway connection is needed for replaying a conversation. Discord models
// a thread as its own channel, so a thread marker simply replaces the
// channel ID for the fetch. System messages (pins, joins, boosts) and
// ephemeral interaction replies are tagged as non-content so the cache can
// filter them during rebuild.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

// Config holds Discord provider configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// PageSize is the per-request message page size (Discord caps at 100).
	PageSize int `yaml:"page_size"`

	// MaxMessages caps how much history one rebuild fetches.
	MaxMessages int `yaml:"max_messages"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:    100,
		MaxMessages: 1000,
	}
}

// Discord implements channels.HistoryProvider.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// botUserID is the bot's own user ID, used to map authorship to the
	// assistant role.
	botUserID string

	connected  atomic.Bool
	lastFetch  atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord provider instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 1000
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect creates the REST session and resolves the bot user.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	if d.connected.Load() {
		return nil
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	me, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: resolving bot user: %w", err)
	}

	d.session = session
	d.botUserID = me.ID
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", me.Username, "id", me.ID)
	return nil
}

// Disconnect releases the session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// IsConnected reports whether Connect succeeded.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the provider health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastFetch.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:   d.connected.Load(),
		LastFetchAt: lastAt,
		ErrorCount:  int(d.errorCount.Load()),
	}
}

// ListHistory enumerates a conversation's messages, oldest first. Discord
// threads are channels of their own, so threadID, when set, is the channel
// fetched.
func (d *Discord) ListHistory(ctx context.Context, channelID, threadID string) ([]conversation.PlatformMessage, error) {
	if !d.connected.Load() {
		return nil, channels.ErrProviderDisconnected
	}

	target := channelID
	if threadID != "" {
		target = threadID
	}

	// ChannelMessages pages newest-first; walk backwards with beforeID,
	// then reverse once at the end.
	var (
		raw      []*discordgo.Message
		beforeID string
	)
	for len(raw) < d.cfg.MaxMessages {
		page, err := d.session.ChannelMessages(target, d.cfg.PageSize, beforeID, "", "", discordgo.WithContext(ctx))
		if err != nil {
			d.errorCount.Add(1)
			return nil, fmt.Errorf("%w: discord %s: %v", channels.ErrFetchFailed, target, err)
		}
		if len(page) == 0 {
			break
		}
		raw = append(raw, page...)
		beforeID = page[len(page)-1].ID
		if len(page) < d.cfg.PageSize {
			break
		}
	}

	d.lastFetch.Store(time.Now())
	d.errorCount.Store(0)

	if len(raw) > d.cfg.MaxMessages {
		raw = raw[:d.cfg.MaxMessages]
	}

	out := make([]conversation.PlatformMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, d.toPlatformMessage(raw[i]))
	}
	return out, nil
}

// toPlatformMessage maps a raw Discord message to the provider-neutral
// form.
func (d *Discord) toPlatformMessage(m *discordgo.Message) conversation.PlatformMessage {
	kind := conversation.KindContent
	switch {
	case m.Flags&discordgo.MessageFlagsEphemeral != 0:
		kind = conversation.KindEphemeral
	case m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply:
		// Joins, pins, boosts, thread-created notices and the rest of the
		// system message types are UI artifacts.
		kind = conversation.KindControl
	}

	role := "user"
	var author string
	if m.Author != nil {
		author = m.Author.ID
		if m.Author.ID == d.botUserID {
			role = "assistant"
		}
	}

	return conversation.PlatformMessage{
		ID:        m.ID,
		Author:    author,
		Role:      role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Kind:      kind,
	}
}

// Compile-time interface verification.
var _ channels.HistoryProvider = (*Discord)(nil)
