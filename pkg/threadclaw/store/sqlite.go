// Package store provides the durable side-state for ThreadClaw: thread
// configuration and generated-asset metadata, backed by a single SQLite
// database in WAL mode. The working-state cache consults and updates it but
// never stores full message bodies here, so a process restart only costs a
// cache rebuild. Records live until explicit deletion; they are never
// evicted by age.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/jholhewres/threadclaw/pkg/threadclaw/conversation"
)

// schema is the DDL executed on every open (idempotent via IF NOT EXISTS).
const schema = `
-- Per-conversation durable configuration overrides.
CREATE TABLE IF NOT EXISTS thread_configs (
    conversation  TEXT PRIMARY KEY,
    model         TEXT DEFAULT '',
    language      TEXT DEFAULT '',
    system_prompt TEXT DEFAULT '',
    updated_at    TEXT NOT NULL
);

-- Generated-asset metadata (references only, never payloads).
CREATE TABLE IF NOT EXISTS asset_records (
    id           TEXT PRIMARY KEY,
    conversation TEXT NOT NULL,
    kind         TEXT NOT NULL,
    reference    TEXT NOT NULL,
    turn_index   INTEGER NOT NULL,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_asset_records_conv ON asset_records(conversation, created_at);
`

// SQLiteStore implements conversation.DurableStore on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path, enables WAL mode
// for concurrent read performance, and creates all tables.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/threadclaw.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// GetConfig returns the config for a conversation, or nil when no record
// exists.
func (s *SQLiteStore) GetConfig(ctx context.Context, id conversation.ConversationID) (*conversation.ThreadConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model, language, system_prompt, updated_at
		FROM thread_configs WHERE conversation = ?`, id.Key())

	var cfg conversation.ThreadConfig
	var updatedAt string
	err := row.Scan(&cfg.Model, &cfg.Language, &cfg.SystemPrompt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config %q: %w", id.Key(), err)
	}

	cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &cfg, nil
}

// PutConfig creates or replaces the config record.
func (s *SQLiteStore) PutConfig(ctx context.Context, id conversation.ConversationID, cfg *conversation.ThreadConfig) error {
	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO thread_configs
			(conversation, model, language, system_prompt, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		id.Key(),
		cfg.Model,
		cfg.Language,
		cfg.SystemPrompt,
		updatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put config %q: %w", id.Key(), err)
	}
	return nil
}

// DeleteConfig removes the config record.
func (s *SQLiteStore) DeleteConfig(ctx context.Context, id conversation.ConversationID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM thread_configs WHERE conversation = ?", id.Key())
	if err != nil {
		return fmt.Errorf("delete config %q: %w", id.Key(), err)
	}
	return nil
}

// ListAssets returns all asset metadata for a conversation in record order.
func (s *SQLiteStore) ListAssets(ctx context.Context, id conversation.ConversationID) ([]conversation.AssetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, reference, turn_index, created_at
		FROM asset_records WHERE conversation = ?
		ORDER BY created_at, id`, id.Key())
	if err != nil {
		return nil, fmt.Errorf("list assets %q: %w", id.Key(), err)
	}
	defer rows.Close()

	var assets []conversation.AssetRecord
	for rows.Next() {
		var rec conversation.AssetRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Reference, &rec.TurnIndex, &createdAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		assets = append(assets, rec)
	}

	return assets, rows.Err()
}

// PutAsset persists one asset metadata record.
func (s *SQLiteStore) PutAsset(ctx context.Context, id conversation.ConversationID, rec conversation.AssetRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO asset_records
			(id, conversation, kind, reference, turn_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		id.Key(),
		rec.Kind,
		rec.Reference,
		rec.TurnIndex,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put asset %q: %w", rec.ID, err)
	}
	return nil
}

// DeleteAssets removes all asset metadata for a conversation.
func (s *SQLiteStore) DeleteAssets(ctx context.Context, id conversation.ConversationID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM asset_records WHERE conversation = ?", id.Key())
	if err != nil {
		return fmt.Errorf("delete assets %q: %w", id.Key(), err)
	}
	return nil
}

// Compile-time interface verification.
var _ conversation.DurableStore = (*SQLiteStore)(nil)
