// Package sqlite provides durable storage for accounts, the credit ledger,
// threads, rounds, and messages. SQLite is the single source of truth: the
// round coordinator checkpoints every phase transition here, and all status
// projections are recomputed from these tables.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database under dir and applies all migrations.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "parley.db")
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent ledger mutations.
	conn.SetMaxOpenConns(1)

	db := &DB{db: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Account balance projection. version guards optimistic writes.
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id  TEXT PRIMARY KEY,
			plan        TEXT NOT NULL DEFAULT 'free',
			balance     INTEGER NOT NULL DEFAULT 0,
			reserved    INTEGER NOT NULL DEFAULT 0,
			version     INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now')),
			CHECK (balance >= 0),
			CHECK (reserved >= 0),
			CHECK (reserved <= balance)
		)`,

		// Append-only credit ledger.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id    TEXT NOT NULL,
			type          TEXT NOT NULL,
			amount        INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			action        TEXT NOT NULL,
			description   TEXT DEFAULT '',
			created_at    TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id DESC)`,

		// Credit reservations. The partial unique index enforces at most one
		// outstanding hold per (thread, round).
		`CREATE TABLE IF NOT EXISTS reservations (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			thread_id    TEXT NOT NULL,
			round_number INTEGER NOT NULL,
			amount       INTEGER NOT NULL,
			status       TEXT NOT NULL DEFAULT 'held',
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			resolved_at  TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservation_round
			ON reservations(thread_id, round_number) WHERE status = 'held'`,
		`CREATE INDEX IF NOT EXISTS idx_reservation_account ON reservations(account_id, status)`,

		// Conversation threads.
		`CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_account ON threads(account_id)`,

		// Round checkpoints. phase is observational; completion is recomputed
		// from round_participants + messages.
		`CREATE TABLE IF NOT EXISTS rounds (
			thread_id            TEXT NOT NULL,
			number               INTEGER NOT NULL,
			phase                TEXT NOT NULL DEFAULT 'idle',
			pre_search_requested INTEGER NOT NULL DEFAULT 0,
			pre_search_done      INTEGER NOT NULL DEFAULT 0,
			search_query         TEXT NOT NULL DEFAULT '',
			max_output_tokens    INTEGER NOT NULL DEFAULT 0,
			moderator_message_id TEXT,
			reservation_id       TEXT,
			canceled             INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (thread_id, number)
		)`,

		// Per-participant state within a round. Model and persona are
		// snapshotted so a resumed round survives config changes.
		`CREATE TABLE IF NOT EXISTS round_participants (
			thread_id      TEXT NOT NULL,
			round_number   INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			idx            INTEGER NOT NULL,
			model          TEXT NOT NULL DEFAULT '',
			persona        TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			finish_reason  TEXT DEFAULT '',
			PRIMARY KEY (thread_id, round_number, participant_id)
		)`,

		// Persisted messages, tagged with round number, role, and participant
		// index (the closed user/assistant/moderator union).
		`CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			thread_id         TEXT NOT NULL,
			round_number      INTEGER NOT NULL,
			role              TEXT NOT NULL,
			participant_index INTEGER NOT NULL DEFAULT 0,
			content           TEXT NOT NULL DEFAULT '',
			finish_reason     TEXT DEFAULT '',
			error_flag        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_thread ON messages(thread_id, round_number, created_at)`,

		// Monthly refill bookkeeping: last applied refill per account.
		`CREATE TABLE IF NOT EXISTS refills (
			account_id TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
	}
}
