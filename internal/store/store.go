// Package store persists the branching chat tree in sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// MessageIndexer receives message mutations for full-text indexing.
// The store calls it best-effort after a successful commit.
type MessageIndexer interface {
	Index(chatID, messageID, role, body string)
	Remove(messageID string)
}

// Store provides transactional access to chats, messages, attachments and
// characters.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	indexer MessageIndexer
}

// Open opens (or creates) the database at dbPath and initializes the schema.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	// WAL mode allows readers to proceed while a generation is writing.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// SetIndexer registers a full-text indexer for message bodies.
func (s *Store) SetIndexer(ix MessageIndexer) {
	s.indexer = ix
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	PRAGMA foreign_keys = ON;

	-- Personas with an optional embedded model binding
	CREATE TABLE IF NOT EXISTS characters (
		character_id          TEXT PRIMARY KEY,
		character_name        TEXT NOT NULL UNIQUE,
		sysprompt             TEXT,
		model_name            TEXT,
		model_provider        TEXT,
		model_identifier      TEXT,
		model_supports_images INTEGER NOT NULL DEFAULT 0,
		cot_start_tag         TEXT,
		cot_end_tag           TEXT,
		settings              TEXT
	);

	CREATE TABLE IF NOT EXISTS chats (
		chat_id           TEXT PRIMARY KEY,
		timestamp_created INTEGER NOT NULL,
		timestamp_updated INTEGER NOT NULL,
		character_id      TEXT,
		FOREIGN KEY (character_id) REFERENCES characters(character_id) ON DELETE SET NULL
	);

	-- Message tree: parent back-references only, children computed per query.
	-- Deleting a node cascades through parent_message_id to its subtree.
	CREATE TABLE IF NOT EXISTS messages (
		message_id         TEXT PRIMARY KEY,
		chat_id            TEXT NOT NULL,
		role               TEXT NOT NULL,
		message            TEXT NOT NULL,
		model_name         TEXT,
		timestamp          INTEGER NOT NULL,
		parent_message_id  TEXT,
		active_child_index INTEGER NOT NULL DEFAULT 0,
		tool_call_id       TEXT,
		tool_calls         TEXT,
		thinking_content   TEXT,
		FOREIGN KEY (chat_id) REFERENCES chats(chat_id) ON DELETE CASCADE,
		FOREIGN KEY (parent_message_id) REFERENCES messages(message_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attachments (
		attachment_id TEXT PRIMARY KEY,
		message_id    TEXT NOT NULL,
		type          TEXT NOT NULL,
		content       TEXT NOT NULL,
		name          TEXT,
		FOREIGN KEY (message_id) REFERENCES messages(message_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
	CREATE INDEX IF NOT EXISTS idx_messages_parent_id ON messages(parent_message_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);
	CREATE INDEX IF NOT EXISTS idx_chats_timestamp_updated ON chats(timestamp_updated DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// touchChat bumps a chat's timestamp_updated inside the given transaction.
func touchChat(ctx context.Context, tx *sql.Tx, chatID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE chats SET timestamp_updated = ? WHERE chat_id = ?`, nowMillis(), chatID)
	return err
}
