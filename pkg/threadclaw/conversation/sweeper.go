// Package conversation – sweeper.go implements the periodic age-based
// eviction pass over the state cache. Uses robfig/cron for the cadence. The
// durable store is never touched by a sweep: eviction only costs a rebuild,
// never data loss.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper evicts working contexts that have been inactive beyond MaxAge. It
// never holds a conversation's lock for longer than a single eviction
// check, and never holds the cache index lock across a whole pass: it
// snapshots candidate keys, then probes each conversation's lock
// non-blocking. A conversation with an in-flight turn is skipped this cycle
// and re-evaluated next cycle.
type Sweeper struct {
	cache *StateCache
	locks *LockManager

	// interval is the sweep cadence.
	interval time.Duration

	// maxAge is the inactivity age beyond which entries are evicted.
	maxAge time.Duration

	cron    *cron.Cron
	entryID cron.EntryID

	// running guards against overlapping passes when a sweep outlasts the
	// cadence.
	running sync.Mutex

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// SweepStats summarizes one sweep cycle.
type SweepStats struct {
	Scanned int
	Evicted int
	Skipped int
}

// NewSweeper creates a sweeper over the given cache and lock manager.
func NewSweeper(cache *StateCache, locks *LockManager, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cache:    cache,
		locks:    locks,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Start schedules the sweep on its fixed cadence.
func (s *Sweeper) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New()
	s.entryID = s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		s.Sweep(time.Now())
	}))
	s.cron.Start()

	s.logger.Info("sweeper started",
		"interval", s.interval.String(),
		"max_age", s.maxAge.String(),
	)
	return nil
}

// Stop halts the cadence and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	// A pass started before Stop may still be draining.
	s.running.Lock()
	defer s.running.Unlock()

	s.logger.Info("sweeper stopped")
}

// Sweep runs one eviction pass with the given current time. Exported so
// operators and tests can force a cycle. A failure on one conversation is
// logged and never aborts the pass.
func (s *Sweeper) Sweep(now time.Time) SweepStats {
	s.running.Lock()
	defer s.running.Unlock()

	cutoff := now.Add(-s.maxAge)
	candidates := s.cache.Snapshot()

	var stats SweepStats
	stats.Scanned = len(candidates)

	for _, id := range candidates {
		if s.ctx != nil && s.ctx.Err() != nil {
			break
		}

		// Probe the conversation lock before touching the entry. Held
		// means a turn is in flight: skip, never force. The probe also
		// makes the age read safe — LastActivity is written under the
		// conversation lock, so it may only be read under it.
		handle, ok := s.locks.TryAcquire(id)
		if !ok {
			stats.Skipped++
			s.logger.Debug("sweep skipped active conversation", "conversation", id.Key())
			continue
		}

		last, cached := s.cache.LastActivity(id)
		if cached && last.Before(cutoff) && s.cache.Evict(id, cutoff) {
			stats.Evicted++
			s.logger.Info("evicted idle conversation",
				"conversation", id.Key(),
				"idle", now.Sub(last).String(),
			)
		}
		handle.Release()
	}

	if stats.Evicted > 0 || stats.Skipped > 0 {
		s.logger.Info("sweep cycle complete",
			"scanned", stats.Scanned,
			"evicted", stats.Evicted,
			"skipped", stats.Skipped,
		)
	}
	return stats
}
