// Package conversation – history.go defines the capability through which
// the cache replays a conversation's authoritative history from the chat
// platform. The platform is always correct, if slow; the cache only asks it
// to enumerate, never to mutate.
package conversation

import (
	"context"
	"time"
)

// MessageKind classifies raw platform messages for rebuild filtering.
type MessageKind string

const (
	// KindContent is a regular user or assistant message that becomes a
	// turn in the working context.
	KindContent MessageKind = "content"

	// KindControl is a platform UI artifact (join/leave notices, pins,
	// settings postbacks) that is filtered out during rebuild.
	KindControl MessageKind = "control"

	// KindEphemeral is a status element visible only transiently (typing
	// placeholders, ephemeral replies) and is filtered out during rebuild.
	KindEphemeral MessageKind = "ephemeral"
)

// PlatformMessage is one raw message as enumerated by a history provider.
// Providers return messages in platform chronological order, oldest first;
// the cache preserves that order and never re-sorts, including messages
// with identical timestamps.
type PlatformMessage struct {
	// ID is the platform message identifier.
	ID string

	// Author is the platform sender identifier.
	Author string

	// Role is the conversational role the message maps to ("user" or
	// "assistant"); providers derive it from whether the bot authored the
	// message.
	Role string

	// Content is the message text.
	Content string

	// Timestamp is the platform timestamp. Identical timestamps are
	// legal; ordering authority stays with the slice position.
	Timestamp time.Time

	// Kind classifies the message for rebuild filtering.
	Kind MessageKind
}

// HistorySource enumerates a conversation's visible history on demand. It
// is passed into the state cache at construction so tests can substitute an
// in-memory implementation.
type HistorySource interface {
	// ListHistory returns the conversation's messages in platform order,
	// oldest first. A connectivity failure is returned as an error; the
	// caller maps it to ErrContextUnavailable.
	ListHistory(ctx context.Context, id ConversationID) ([]PlatformMessage, error)
}
