// Package conversation implements the per-conversation working-state cache
// for ThreadClaw. The chat platform remains the durable source of truth for
// message history; this package keeps an ephemeral, budget-bounded working
// context per conversation so a turn does not re-fetch and re-assemble the
// full history every time. Durable side-state (thread configuration,
// generated-asset metadata) lives in a DurableStore and survives restarts.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationID identifies one logical conversation: a platform-scoped
// channel plus an optional thread marker. It is the cache key and the lock
// key, and must be stable for the lifetime of the conversation.
type ConversationID struct {
	// Platform is the source platform name (e.g. "slack", "discord").
	Platform string

	// ChannelID is the platform channel or DM identifier.
	ChannelID string

	// ThreadID is the thread marker within the channel. Empty for
	// conversations held directly in the channel.
	ThreadID string
}

// Key returns the canonical string form used for map and lock keys.
func (id ConversationID) Key() string {
	if id.ThreadID == "" {
		return id.Platform + ":" + id.ChannelID
	}
	return id.Platform + ":" + id.ChannelID + ":" + id.ThreadID
}

// String implements fmt.Stringer for log output.
func (id ConversationID) String() string { return id.Key() }

// TurnSource tags where a turn's content came from.
type TurnSource string

const (
	// SourcePlatform marks a turn reconstructed from or appended as a
	// native platform message.
	SourcePlatform TurnSource = "platform"

	// SourceAsset marks a turn that references a generated asset rather
	// than carrying platform text.
	SourceAsset TurnSource = "asset"
)

// Turn is one role-tagged message unit within a working context.
type Turn struct {
	// ID is the unique turn identifier. Platform message IDs are reused
	// when available so rebuilds produce stable turns.
	ID string

	// Role is the conversational role ("user", "assistant", "system").
	Role string

	// Content is the text content of the turn.
	Content string

	// Tokens is the estimated token cost, filled in by the accountant.
	Tokens int

	// Source tags the origin of the turn.
	Source TurnSource

	// Timestamp is the platform timestamp of the underlying message.
	Timestamp time.Time
}

// AssetRecord describes a generated or referenced non-text artifact tied to
// a specific turn. Only metadata is kept: the reference points at the
// platform-hosted payload, raw bytes are never cached.
type AssetRecord struct {
	// ID is the unique asset identifier.
	ID string

	// Kind is the asset kind (e.g. "image", "document", "audio").
	Kind string

	// Reference is the platform URL or storage reference for the payload.
	Reference string

	// TurnIndex is the index of the originating turn in the working
	// context at the time the asset was recorded.
	TurnIndex int

	// CreatedAt is when the asset was recorded.
	CreatedAt time.Time
}

// NewAssetRecord builds an AssetRecord with a fresh ID and timestamp.
func NewAssetRecord(kind, reference string, turnIndex int) AssetRecord {
	return AssetRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Reference: reference,
		TurnIndex: turnIndex,
		CreatedAt: time.Now(),
	}
}

// ThreadConfig is the durable per-conversation override record. The store
// owns the writable original; the cache holds only a read-through snapshot.
type ThreadConfig struct {
	// Model overrides the LLM model for this conversation.
	Model string `yaml:"model"`

	// Language is the preferred response language.
	Language string `yaml:"language"`

	// SystemPrompt overrides the base system instructions.
	SystemPrompt string `yaml:"system_prompt"`

	// UpdatedAt is the last durable write time.
	UpdatedAt time.Time `yaml:"updated_at"`
}

// WorkingContext is the cached, mutable working state of one conversation:
// the recent turns (bounded by the token budget), the asset ledger, the
// last-activity timestamp, and a snapshot of the durable configuration.
type WorkingContext struct {
	// ID identifies the conversation this context belongs to.
	ID ConversationID

	// Turns is the ordered sequence of message units, oldest first.
	Turns []Turn

	// Assets is the ordered ledger of asset metadata. Excluded from token
	// accounting and never trimmed by the accountant.
	Assets []AssetRecord

	// LastActivity is updated on every append and consulted by the sweep.
	LastActivity time.Time

	// Config is a read-through snapshot of the durable ThreadConfig. Zero
	// value when the conversation has no durable overrides.
	Config ThreadConfig

	// TotalTokens is the estimated token cost of all turns, maintained by
	// the accountant after every mutation.
	TotalTokens int
}

// Clone returns a deep copy so callers can hand the context to the message
// pipeline without racing later mutations.
func (w *WorkingContext) Clone() *WorkingContext {
	cp := *w
	cp.Turns = make([]Turn, len(w.Turns))
	copy(cp.Turns, w.Turns)
	cp.Assets = make([]AssetRecord, len(w.Assets))
	copy(cp.Assets, w.Assets)
	return &cp
}

// DurableStore is the persistence capability the cache consults for thread
// configuration and asset metadata. Implementations provide their own
// transactional guarantees per call; the cache is a read-mostly consumer
// and never stores full message bodies here.
type DurableStore interface {
	// GetConfig returns the config for a conversation, or nil when the
	// conversation has no durable record.
	GetConfig(ctx context.Context, id ConversationID) (*ThreadConfig, error)

	// PutConfig creates or replaces the config record.
	PutConfig(ctx context.Context, id ConversationID, cfg *ThreadConfig) error

	// DeleteConfig removes the config record.
	DeleteConfig(ctx context.Context, id ConversationID) error

	// ListAssets returns all asset metadata for a conversation in record
	// order.
	ListAssets(ctx context.Context, id ConversationID) ([]AssetRecord, error)

	// PutAsset persists one asset metadata record.
	PutAsset(ctx context.Context, id ConversationID, rec AssetRecord) error

	// DeleteAssets removes all asset metadata for a conversation.
	DeleteAssets(ctx context.Context, id ConversationID) error
}

// validateTurn rejects turns the cache cannot account for.
func validateTurn(t Turn) error {
	if t.Role == "" {
		return fmt.Errorf("turn role is required")
	}
	if t.Content == "" && t.Source != SourceAsset {
		return fmt.Errorf("turn content is required")
	}
	return nil
}
