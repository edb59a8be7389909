// Package store provides the sqlite persistence layer: group statuses,
// applied-object inventory, and the append-only event ledger.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database connection
type Store struct {
	db *sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// initSchema creates all required tables. Timestamps are stored as
// millisecond unix integers so restart schedules stay exact.
func initSchema(db *sql.DB) error {
	// Group status - one row per known group; survives restarts so
	// schedules and suspensions are durable
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS group_status (
			name TEXT PRIMARY KEY,
			last_applied_revision TEXT NOT NULL DEFAULT '',
			last_attempted_revision TEXT NOT NULL DEFAULT '',
			applied_generation INTEGER NOT NULL DEFAULT 0,
			health TEXT NOT NULL DEFAULT 'Unknown',
			phase TEXT NOT NULL DEFAULT 'Pending',
			last_error TEXT NOT NULL DEFAULT '',
			last_reconcile INTEGER NOT NULL DEFAULT 0,
			next_due INTEGER NOT NULL DEFAULT 0,
			suspended INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create group_status table: %w", err)
	}

	// Inventory - the applied object set per group; powers pruning of
	// objects that leave the desired state
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS inventory (
			group_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			digest TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (group_name, kind, namespace, name)
		);
		CREATE INDEX IF NOT EXISTS idx_inventory_group ON inventory(group_name);
	`)
	if err != nil {
		return fmt.Errorf("failed to create inventory table: %w", err)
	}

	// Event ledger - append-only history for dedupe and auditing
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS event_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			group_name TEXT,
			revision TEXT,
			detail TEXT,
			episode_key TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_ts ON event_ledger(event_type, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_group_ts ON event_ledger(group_name, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create event_ledger table: %w", err)
	}

	// Unique partial index for episode dedupe: one drift episode yields
	// exactly one recorded event, first writer wins
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_episode
		ON event_ledger(episode_key)
		WHERE episode_key IS NOT NULL AND episode_key != '';
	`)
	if err != nil {
		return fmt.Errorf("failed to create idx_ledger_episode index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
