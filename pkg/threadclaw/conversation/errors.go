// Package conversation – errors.go defines the error taxonomy of the
// working-state cache. All conditions are reported to the immediate caller;
// nothing is swallowed internally and no retry policy lives in this core.
package conversation

import "errors"

var (
	// ErrLockUnavailable means a conversation lock slot could not be
	// acquired (cancelled wait or resource exhaustion). Fatal to the
	// single turn, not to the process.
	ErrLockUnavailable = errors.New("conversation lock unavailable")

	// ErrReentrantLock means the same logical turn attempted to acquire a
	// lock it already holds. This is a programming error and fails fast
	// instead of deadlocking.
	ErrReentrantLock = errors.New("re-entrant conversation lock acquisition")

	// ErrContextUnavailable means the history source was unreachable
	// during a rebuild. The cache is left untouched; the caller decides
	// whether to retry.
	ErrContextUnavailable = errors.New("conversation context unavailable")

	// ErrOversizedTurn means a single turn cannot fit the token budget
	// even with everything else trimmed away. It is surfaced, never
	// silently truncated.
	ErrOversizedTurn = errors.New("turn exceeds token budget")

	// ErrDurableStore wraps failures from the durable store. The cache
	// keeps operating on in-memory state where possible, but
	// configuration-dependent rebuilds fail loudly rather than assume
	// defaults.
	ErrDurableStore = errors.New("durable store error")
)
