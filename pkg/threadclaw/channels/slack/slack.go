// Package slack implements the Slack history provider for ThreadClaw using
// the Slack Web API — no external dependencies beyond HTTP.
//
// History comes from conversations.replies for threaded conversations and
// conversations.history for channel-level ones, paginated with cursors and
// normalized to oldest-first platform order. UI artifacts (joins, topic
// changes, tombstones) are tagged as control messages so the cache can
// filter them during rebuild.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

const apiBase = "https://slack.com/api"

// Config holds Slack provider configuration.
type Config struct {
	// BotToken is the Slack Bot User OAuth Token (xoxb-...).
	BotToken string `yaml:"bot_token"`

	// PageSize is the per-request message page size.
	PageSize int `yaml:"page_size"`

	// MaxMessages caps how much history one rebuild fetches. The token
	// accountant trims further; this only bounds the platform round-trip.
	MaxMessages int `yaml:"max_messages"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:    200,
		MaxMessages: 1000,
	}
}

// Slack implements channels.HistoryProvider.
type Slack struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// botUserID is the bot's own Slack user ID, used to map authorship to
	// the assistant role.
	botUserID string

	connected  atomic.Bool
	lastFetch  atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Slack provider instance.
func New(cfg Config, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 1000
	}
	return &Slack{
		cfg:    cfg,
		logger: logger.With("component", "slack"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "slack".
func (s *Slack) Name() string { return "slack" }

// Connect verifies the token via auth.test and resolves the bot user ID.
func (s *Slack) Connect(ctx context.Context) error {
	if s.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot_token is required")
	}
	if s.connected.Load() {
		return nil
	}

	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
	}
	if err := s.apiCall(ctx, "auth.test", nil, &resp); err != nil {
		return fmt.Errorf("slack: auth.test: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("slack: auth.test: %s", resp.Error)
	}

	s.botUserID = resp.UserID
	s.connected.Store(true)
	s.logger.Info("slack: connected", "bot_user", s.botUserID)
	return nil
}

// Disconnect marks the provider unusable. The Web API is stateless, so
// there is nothing to tear down.
func (s *Slack) Disconnect() error {
	s.connected.Store(false)
	return nil
}

// IsConnected reports whether Connect succeeded.
func (s *Slack) IsConnected() bool { return s.connected.Load() }

// Health returns the provider health status.
func (s *Slack) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := s.lastFetch.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:   s.connected.Load(),
		LastFetchAt: lastAt,
		ErrorCount:  int(s.errorCount.Load()),
	}
}

// ListHistory enumerates a conversation's messages, oldest first. For a
// thread the threadID is the parent message ts and conversations.replies is
// used; otherwise conversations.history.
func (s *Slack) ListHistory(ctx context.Context, channelID, threadID string) ([]conversation.PlatformMessage, error) {
	if !s.connected.Load() {
		return nil, channels.ErrProviderDisconnected
	}

	var (
		raw    []slackMessage
		cursor string
	)
	for {
		page, next, err := s.fetchPage(ctx, channelID, threadID, cursor)
		if err != nil {
			s.errorCount.Add(1)
			return nil, fmt.Errorf("%w: slack %s: %v", channels.ErrFetchFailed, channelID, err)
		}
		raw = append(raw, page...)

		if next == "" || len(raw) >= s.cfg.MaxMessages {
			break
		}
		cursor = next
	}

	s.lastFetch.Store(time.Now())
	s.errorCount.Store(0)

	// conversations.history pages newest-first; replies pages oldest-
	// first. Normalize to oldest-first without disturbing the platform's
	// relative order inside equal timestamps.
	if threadID == "" {
		reverse(raw)
	}
	if len(raw) > s.cfg.MaxMessages {
		raw = raw[len(raw)-s.cfg.MaxMessages:]
	}

	out := make([]conversation.PlatformMessage, 0, len(raw))
	for _, m := range raw {
		out = append(out, s.toPlatformMessage(m))
	}
	return out, nil
}

// ---------- Web API plumbing ----------

// slackMessage is the subset of the Slack message payload the provider
// reads.
type slackMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

// historyResponse is the shared shape of conversations.history and
// conversations.replies responses.
type historyResponse struct {
	OK               bool           `json:"ok"`
	Error            string         `json:"error"`
	Messages         []slackMessage `json:"messages"`
	HasMore          bool           `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// fetchPage fetches one page of history and returns the messages plus the
// next cursor ("" when exhausted).
func (s *Slack) fetchPage(ctx context.Context, channelID, threadID, cursor string) ([]slackMessage, string, error) {
	method := "conversations.history"
	params := url.Values{
		"channel": {channelID},
		"limit":   {strconv.Itoa(s.cfg.PageSize)},
	}
	if threadID != "" {
		method = "conversations.replies"
		params.Set("ts", threadID)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var resp historyResponse
	if err := s.apiCall(ctx, method, params, &resp); err != nil {
		return nil, "", err
	}
	if !resp.OK {
		return nil, "", fmt.Errorf("%s: %s", method, resp.Error)
	}

	next := ""
	if resp.HasMore {
		next = resp.ResponseMetadata.NextCursor
	}
	return resp.Messages, next, nil
}

// apiCall performs a GET against the Slack Web API and decodes the JSON
// response into out.
func (s *Slack) apiCall(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := apiBase + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.Unmarshal(body, out)
}

// ---------- Mapping ----------

// controlSubtypes are Slack message subtypes that are UI artifacts, not
// conversation content.
var controlSubtypes = map[string]bool{
	"channel_join":    true,
	"channel_leave":   true,
	"channel_topic":   true,
	"channel_purpose": true,
	"channel_name":    true,
	"channel_archive": true,
	"pinned_item":     true,
	"unpinned_item":   true,
	"bot_add":         true,
	"bot_remove":      true,
	"message_deleted": true,
	"tombstone":       true,
}

// toPlatformMessage maps a raw Slack message to the provider-neutral form.
func (s *Slack) toPlatformMessage(m slackMessage) conversation.PlatformMessage {
	kind := conversation.KindContent
	switch {
	case controlSubtypes[m.Subtype]:
		kind = conversation.KindControl
	case m.Subtype == "ephemeral":
		kind = conversation.KindEphemeral
	}

	role := "user"
	author := m.User
	if m.User == s.botUserID || (m.User == "" && m.BotID != "") {
		role = "assistant"
		if author == "" {
			author = m.BotID
		}
	}

	return conversation.PlatformMessage{
		ID:        m.TS,
		Author:    author,
		Role:      role,
		Content:   m.Text,
		Timestamp: parseSlackTS(m.TS),
		Kind:      kind,
	}
}

// parseSlackTS converts a Slack "seconds.fraction" ts into a time.Time.
func parseSlackTS(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec)
}

// reverse flips a message slice in place.
func reverse(msgs []slackMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Compile-time interface verification.
var _ channels.HistoryProvider = (*Slack)(nil)
