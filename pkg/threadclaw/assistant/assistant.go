// Package assistant implements the ThreadClaw orchestrator. It wires the
// durable store, the lock manager, the conversation state cache, the
// history providers, and the sweeper, and exposes the operations the
// message-processing pipeline calls: process a turn, invalidate a
// conversation, record an asset, change thread configuration.
//
// Turn flow: acquire the conversation lock → get or rebuild the working
// context → append the incoming turn → return the context to the pipeline.
// The lock is released on every exit path, including cancellation, so a
// conversation can never be left stuck.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/discord"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels/slack"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

// TurnHandler is the external message pipeline hook: it receives the
// assembled working context for an inbound turn and produces the response.
// It runs while the conversation lock is held, with the holder mark in ctx,
// so pipeline work on the same conversation cannot interleave.
type TurnHandler func(ctx context.Context, wc *conversation.WorkingContext) error

// Assistant is the main orchestrator for ThreadClaw.
type Assistant struct {
	config *Config

	// onTurn, when set, is invoked by ProcessTurn after context assembly.
	onTurn TurnHandler

	// providerMgr routes history requests to platform providers.
	providerMgr *channels.Manager

	// store is the durable side-state (configs + asset metadata).
	store conversation.DurableStore

	// locks serializes turns per conversation.
	locks *conversation.LockManager

	// cache is the per-conversation working-state cache.
	cache *conversation.StateCache

	// sweeper evicts idle cache entries on a fixed cadence.
	sweeper *conversation.Sweeper

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Assistant over the given durable store. History providers
// are registered separately (or via RegisterDefaultProviders) before Start.
func New(cfg *Config, store conversation.DurableStore, logger *slog.Logger) *Assistant {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	providerMgr := channels.NewManager(logger.With("component", "channels"))
	locks := conversation.NewLockManager(logger.With("component", "locks"))
	accountant := conversation.NewAccountant(
		cfg.Cache.TokenBudget,
		cfg.Cache.CleanupThreshold,
		cfg.Cache.TrimBatchSize,
		cfg.Cache.MinRetainedTurns,
		nil,
	)
	cache := conversation.NewStateCache(
		providerMgr,
		store,
		accountant,
		logger.With("component", "cache"),
	).WithLockAssertions(locks)
	sweeper := conversation.NewSweeper(
		cache,
		locks,
		cfg.Sweep.Interval,
		cfg.Sweep.MaxAge,
		logger.With("component", "sweeper"),
	)

	return &Assistant{
		config:      cfg,
		providerMgr: providerMgr,
		store:       store,
		locks:       locks,
		cache:       cache,
		sweeper:     sweeper,
		logger:      logger,
	}
}

// OnTurn sets the pipeline hook invoked by ProcessTurn. Must be called
// before Start.
func (a *Assistant) OnTurn(h TurnHandler) { a.onTurn = h }

// RegisterProvider adds a history provider. Must be called before Start.
func (a *Assistant) RegisterProvider(p channels.HistoryProvider) error {
	return a.providerMgr.Register(p)
}

// RegisterDefaultProviders registers the Slack and Discord providers for
// every platform with a configured token.
func (a *Assistant) RegisterDefaultProviders() error {
	if a.config.Channels.Slack.BotToken != "" {
		if err := a.providerMgr.Register(slack.New(a.config.Channels.Slack, a.logger)); err != nil {
			return err
		}
	}
	if a.config.Channels.Discord.Token != "" {
		if err := a.providerMgr.Register(discord.New(a.config.Channels.Discord, a.logger)); err != nil {
			return err
		}
	}
	return nil
}

// Start connects providers and starts the sweeper.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting ThreadClaw",
		"name", a.config.Name,
		"token_budget", a.config.Cache.TokenBudget,
		"sweep_interval", a.config.Sweep.Interval.String(),
		"max_age", a.config.Sweep.MaxAge.String(),
	)

	if err := a.providerMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start history providers: %w", err)
	}

	if err := a.sweeper.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	a.logger.Info("ThreadClaw started successfully")
	return nil
}

// Stop gracefully shuts down all subsystems in reverse order.
func (a *Assistant) Stop() {
	a.logger.Info("stopping ThreadClaw...")

	if a.cancel != nil {
		a.cancel()
	}
	a.sweeper.Stop()
	a.providerMgr.Stop()

	a.logger.Info("ThreadClaw stopped")
}

// Cache exposes the state cache for embedding pipelines.
func (a *Assistant) Cache() *conversation.StateCache { return a.cache }

// Providers exposes the provider manager (for the health command).
func (a *Assistant) Providers() *channels.Manager { return a.providerMgr }

// ProcessTurn is the composite operation the message pipeline calls for an
// inbound turn: acquire the conversation lock, rebuild or reuse the working
// context, append the turn, and return a snapshot of the result. Two
// triggers for the same conversation serialize here; unrelated
// conversations proceed in parallel.
func (a *Assistant) ProcessTurn(ctx context.Context, id conversation.ConversationID, turn conversation.Turn) (*conversation.WorkingContext, error) {
	start := time.Now()

	handle, err := a.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	// Downstream work carries the holder mark so nested acquisition on
	// the same conversation fails fast.
	ctx = handle.Context(ctx)

	wc, err := a.cache.Append(ctx, id, turn)
	if err != nil {
		return nil, err
	}

	// Hand the pipeline a copy: the cached entry mutates on the next turn.
	snapshot := wc.Clone()

	if a.onTurn != nil {
		if err := a.onTurn(ctx, snapshot); err != nil {
			return snapshot, fmt.Errorf("turn handler: %w", err)
		}
	}

	a.logger.Info("turn processed",
		"conversation", id.Key(),
		"turns", len(wc.Turns),
		"tokens", wc.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return snapshot, nil
}

// InvalidateConversation drops the cached working context; the next turn
// triggers a rebuild from platform history.
func (a *Assistant) InvalidateConversation(id conversation.ConversationID) {
	a.cache.Invalidate(id)
}

// RecordAsset persists generated-asset metadata and appends it to the
// conversation's asset ledger. The conversation lock is taken here because
// asset generation completes outside the turn that produced it.
func (a *Assistant) RecordAsset(ctx context.Context, id conversation.ConversationID, rec conversation.AssetRecord) error {
	handle, err := a.locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer handle.Release()

	return a.cache.RecordAsset(handle.Context(ctx), id, rec)
}

// SetThreadConfig writes a durable configuration override and invalidates
// the cached context, since configuration affects context assembly.
func (a *Assistant) SetThreadConfig(ctx context.Context, id conversation.ConversationID, cfg *conversation.ThreadConfig) error {
	cfg.UpdatedAt = time.Now()
	if err := a.store.PutConfig(ctx, id, cfg); err != nil {
		return fmt.Errorf("%w: put config for %s: %v", conversation.ErrDurableStore, id.Key(), err)
	}
	a.cache.Invalidate(id)

	a.logger.Info("thread config updated", "conversation", id.Key(), "model", cfg.Model)
	return nil
}

// Sweep forces one eviction pass (for the CLI and tests).
func (a *Assistant) Sweep() conversation.SweepStats {
	return a.sweeper.Sweep(time.Now())
}

// NewLogger builds a slog.Logger from a LoggingConfig.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
