// Package conversation – locks.go implements the per-conversation lock
// registry. Two triggers for the same conversation serialize; unrelated
// conversations never block each other. Registry entries are
// reference-counted and removed once no holder or waiter references them.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ctxHolderKey marks held conversation keys inside a turn's context so a
// nested Acquire on the same key fails fast instead of deadlocking.
type ctxHolderKey string

// LockManager grants exclusive execution slots keyed by ConversationID.
type LockManager struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	logger  *slog.Logger
}

// lockEntry is one registry slot. The weighted semaphore with capacity 1
// gives blocking, context-cancellable acquisition plus the non-blocking
// probe the sweeper needs.
type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
	held bool
}

// LockHandle is a scoped hold on one conversation's slot. Release is safe
// to call more than once; the first call wins.
type LockHandle struct {
	mgr      *LockManager
	key      string
	released bool
	relMu    sync.Mutex
}

// NewLockManager creates an empty lock registry.
func NewLockManager(logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		entries: make(map[string]*lockEntry),
		logger:  logger,
	}
}

// Acquire blocks until the conversation's slot is free, then returns a
// handle. There is no hold timeout: processing a turn may legitimately take
// minutes, and cancellation policy belongs to the caller's context. A
// cancelled wait returns ErrLockUnavailable; acquiring a key already marked
// held in ctx returns ErrReentrantLock.
func (m *LockManager) Acquire(ctx context.Context, id ConversationID) (*LockHandle, error) {
	key := id.Key()

	if held, _ := ctx.Value(ctxHolderKey(key)).(bool); held {
		return nil, fmt.Errorf("%w: %s", ErrReentrantLock, key)
	}

	e := m.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.unref(key)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, err)
	}

	m.mu.Lock()
	e.held = true
	m.mu.Unlock()

	return &LockHandle{mgr: m, key: key}, nil
}

// TryAcquire attempts a non-blocking grab of the conversation's slot. Used
// by the sweeper so an in-flight turn is skipped, never forced.
func (m *LockManager) TryAcquire(id ConversationID) (*LockHandle, bool) {
	key := id.Key()

	e := m.ref(key)
	if !e.sem.TryAcquire(1) {
		m.unref(key)
		return nil, false
	}

	m.mu.Lock()
	e.held = true
	m.mu.Unlock()

	return &LockHandle{mgr: m, key: key}, true
}

// Held reports whether the conversation's slot is currently held. Used by
// the cache's lock assertions; not a synchronization primitive.
func (m *LockManager) Held(id ConversationID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id.Key()]
	return ok && e.held
}

// Len returns the number of live registry entries.
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ref returns the entry for key, creating it on first acquisition attempt,
// and bumps its reference count.
func (m *LockManager) ref(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

// unref drops one reference and deletes the entry when nothing holds or
// waits on it anymore.
func (m *LockManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && !e.held {
		delete(m.entries, key)
	}
}

// Release frees the slot. It runs on all exit paths of the holder (callers
// defer it immediately after Acquire), including cancellation and panic
// unwinding, so a conversation is never left permanently stuck.
func (h *LockHandle) Release() {
	h.relMu.Lock()
	if h.released {
		h.relMu.Unlock()
		return
	}
	h.released = true
	h.relMu.Unlock()

	m := h.mgr
	m.mu.Lock()
	if e, ok := m.entries[h.key]; ok {
		e.held = false
		e.sem.Release(1)
	}
	m.mu.Unlock()

	m.unref(h.key)
}

// Context returns a derived context carrying the holder mark for this
// handle's key. Callers pass it to downstream work so an accidental nested
// Acquire on the same conversation is detected.
func (h *LockHandle) Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxHolderKey(h.key), true)
}
