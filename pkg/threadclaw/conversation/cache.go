// Package conversation – cache.go implements the conversation state cache:
// a synchronized index of working contexts keyed by ConversationID. Entries
// are rebuilt from the history source on miss, mutated under the caller's
// conversation lock, kept under the token budget by the accountant, and
// evicted whole by the sweeper. The index mutex only guards add/remove of
// entries; serialization of any single conversation's mutations is the
// caller's conversation lock.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateCache maps conversation identifiers to in-memory working contexts.
type StateCache struct {
	mu      sync.RWMutex
	entries map[string]*WorkingContext

	history    HistorySource
	store      DurableStore
	accountant *Accountant

	// locks, when set, enables lock-held assertions on Append and
	// RecordAsset. The cache never locks internally (that would deadlock
	// against the caller's hold); it only checks.
	locks *LockManager

	logger *slog.Logger
}

// NewStateCache builds a cache over the given history source, durable store
// and accountant.
func NewStateCache(history HistorySource, store DurableStore, accountant *Accountant, logger *slog.Logger) *StateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateCache{
		entries:    make(map[string]*WorkingContext),
		history:    history,
		store:      store,
		accountant: accountant,
		logger:     logger,
	}
}

// WithLockAssertions enables checked-mode assertions that mutations happen
// under the conversation lock held in the given manager.
func (c *StateCache) WithLockAssertions(lm *LockManager) *StateCache {
	c.locks = lm
	return c
}

// GetOrRebuild returns the cached working context for id, rebuilding it
// from the history source when no entry exists. The rebuilt entry is stored
// atomically: a failed rebuild leaves the cache untouched. One exception: a
// rebuild whose retained window alone exceeds the budget is stored anyway
// and returned together with ErrOversizedTurn — discarding it would make
// every later access re-fetch and re-fail with no caller remedy. Callers
// must hold the conversation lock, so the history round-trip only suspends
// turns on the same conversation.
func (c *StateCache) GetOrRebuild(ctx context.Context, id ConversationID) (*WorkingContext, error) {
	key := id.Key()

	c.mu.RLock()
	wc, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return wc, nil
	}

	wc, rebuildErr := c.rebuild(ctx, id)
	if wc == nil {
		return nil, rebuildErr
	}

	c.mu.Lock()
	// A concurrent rebuild for the same id is impossible under the
	// conversation lock; an existing entry here means the caller broke
	// the locking contract, so prefer the stored one.
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.entries[key] = wc
	c.mu.Unlock()

	c.logger.Info("context rebuilt",
		"conversation", key,
		"turns", len(wc.Turns),
		"assets", len(wc.Assets),
		"tokens", wc.TotalTokens,
	)
	return wc, rebuildErr
}

// rebuild assembles a fresh working context from the authoritative history
// and the durable side-state. Non-content platform artifacts are filtered
// out; ordering is the platform-provided sequence, never re-sorted, even
// for identical timestamps.
func (c *StateCache) rebuild(ctx context.Context, id ConversationID) (*WorkingContext, error) {
	msgs, err := c.history.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContextUnavailable, id.Key(), err)
	}

	// Durable config first: a rebuild that cannot see its configuration
	// must fail loudly rather than assume defaults.
	cfg, err := c.store.GetConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get config for %s: %v", ErrDurableStore, id.Key(), err)
	}

	assets, err := c.store.ListAssets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list assets for %s: %v", ErrDurableStore, id.Key(), err)
	}

	wc := &WorkingContext{
		ID:           id,
		Turns:        make([]Turn, 0, len(msgs)),
		Assets:       assets,
		LastActivity: time.Now(),
	}
	if cfg != nil {
		wc.Config = *cfg
	}

	for _, m := range msgs {
		if m.Kind != KindContent {
			continue
		}
		turnID := m.ID
		if turnID == "" {
			turnID = uuid.NewString()
		}
		wc.Turns = append(wc.Turns, Turn{
			ID:        turnID,
			Role:      m.Role,
			Content:   m.Content,
			Source:    SourcePlatform,
			Timestamp: m.Timestamp,
		})
	}

	trimmed, removed, trimErr := c.accountant.Trim(wc.Turns)
	wc.Turns = trimmed
	wc.TotalTokens = c.accountant.Estimate(wc.Turns)
	if removed > 0 {
		c.logger.Debug("rebuild trimmed history",
			"conversation", id.Key(),
			"removed", removed,
		)
	}

	// ErrOversizedTurn is surfaced with the assembled context intact; the
	// conversation keeps working in degraded mode instead of wedging on
	// every rebuild.
	return wc, trimErr
}

// Append adds a turn to the cached working context, updates last activity,
// and applies the trim policy. Precondition: the caller holds the
// conversation lock; this is asserted when lock assertions are enabled but
// never enforced by re-locking. An ErrOversizedTurn is surfaced with the
// turn already appended (the newest turn is never dropped here).
func (c *StateCache) Append(ctx context.Context, id ConversationID, turn Turn) (*WorkingContext, error) {
	c.assertHeld(id, "Append")

	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	wc, err := c.GetOrRebuild(ctx, id)
	if err != nil && !errors.Is(err, ErrOversizedTurn) {
		return nil, err
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	c.accountant.EstimateTurn(&turn)

	wc.Turns = append(wc.Turns, turn)
	wc.LastActivity = time.Now()

	trimmed, removed, trimErr := c.accountant.Trim(wc.Turns)
	wc.Turns = trimmed
	wc.TotalTokens = c.accountant.Estimate(wc.Turns)

	if removed > 0 {
		c.logger.Debug("trimmed oldest turns",
			"conversation", id.Key(),
			"removed", removed,
			"tokens", wc.TotalTokens,
		)
	}
	if trimErr != nil {
		return wc, trimErr
	}
	return wc, nil
}

// RecordAsset appends an asset record to the ledger and persists its
// metadata durably. Assets are referenced, not inlined, so turn token
// accounting is unaffected. Precondition: conversation lock held.
func (c *StateCache) RecordAsset(ctx context.Context, id ConversationID, rec AssetRecord) error {
	c.assertHeld(id, "RecordAsset")

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if err := c.store.PutAsset(ctx, id, rec); err != nil {
		return fmt.Errorf("%w: put asset for %s: %v", ErrDurableStore, id.Key(), err)
	}

	c.mu.RLock()
	wc, ok := c.entries[id.Key()]
	c.mu.RUnlock()
	if ok {
		wc.Assets = append(wc.Assets, rec)
	}
	return nil
}

// Invalidate drops the cached entry unconditionally; the next access
// triggers a rebuild. Used when durable configuration changes in a way that
// affects context assembly.
func (c *StateCache) Invalidate(id ConversationID) {
	c.mu.Lock()
	_, ok := c.entries[id.Key()]
	delete(c.entries, id.Key())
	c.mu.Unlock()

	if ok {
		c.logger.Info("context invalidated", "conversation", id.Key())
	}
}

// Evict removes the cached entry if its last activity is older than cutoff.
// The durable store is untouched. Returns whether an entry was removed.
func (c *StateCache) Evict(id ConversationID, cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wc, ok := c.entries[id.Key()]
	if !ok || !wc.LastActivity.Before(cutoff) {
		return false
	}
	delete(c.entries, id.Key())
	return true
}

// Snapshot returns the identifiers of all cached conversations. The sweeper
// scans this copy so it never holds the index lock across a whole pass.
func (c *StateCache) Snapshot() []ConversationID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]ConversationID, 0, len(c.entries))
	for _, wc := range c.entries {
		ids = append(ids, wc.ID)
	}
	return ids
}

// LastActivity returns the cached entry's last activity time, or false when
// the conversation is not cached. The field is written under the
// conversation lock, so callers must hold (or probe) that lock for a
// coherent read; the index RLock here only keeps the entry map stable.
func (c *StateCache) LastActivity(id ConversationID) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wc, ok := c.entries[id.Key()]
	if !ok {
		return time.Time{}, false
	}
	return wc.LastActivity, true
}

// Len returns the number of cached conversations.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// assertHeld panics when lock assertions are enabled and the caller does
// not hold the conversation lock. Mutating the cache without the lock is a
// programming error, not a runtime condition.
func (c *StateCache) assertHeld(id ConversationID, op string) {
	if c.locks == nil {
		return
	}
	if !c.locks.Held(id) {
		panic(fmt.Sprintf("conversation: %s called without holding lock for %s", op, id.Key()))
	}
}
