// Package store provides the durable state layers of the gateway: a local
// SQLite database for the inbound message log and the webhook outbox, and a
// Supabase-backed persisted store for session records and the agent
// directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the local store.
)

// OpenDatabase opens (and migrates) the local gateway SQLite database.
func OpenDatabase(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate creates the local tables if they do not exist.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message_log (
			message_id   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			chat_id      TEXT NOT NULL,
			from_number  TEXT,
			to_number    TEXT,
			msg_type     TEXT NOT NULL,
			content      TEXT,
			media_url    TEXT,
			mime_type    TEXT,
			file_size    INTEGER,
			batch_kind   TEXT,
			received_at  TEXT NOT NULL,
			PRIMARY KEY (message_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_outbox (
			id            TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			message_id    TEXT NOT NULL,
			url           TEXT NOT NULL,
			status        TEXT NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_delivery
			ON webhook_outbox (agent_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_log_agent
			ON message_log (agent_id, received_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating local store: %w", err)
		}
	}
	return nil
}
