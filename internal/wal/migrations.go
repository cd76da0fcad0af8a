package wal

import (
	"fmt"
	"time"
)

// migration is one forward-only schema step. Migrations run in declaration
// order inside a transaction each and are recorded by name, so reopening an
// up-to-date store is a no-op.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_initial_schema",
		sql: `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				backend_id TEXT NOT NULL,
				cwd        TEXT NOT NULL DEFAULT '',
				revision   INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE TABLE IF NOT EXISTS events (
				session_id TEXT NOT NULL,
				revision   INTEGER NOT NULL,
				seq        INTEGER NOT NULL,
				kind       TEXT NOT NULL,
				payload    BLOB,
				timestamp  INTEGER NOT NULL,
				PRIMARY KEY (session_id, revision, seq)
			);
		`,
	},
	{
		name: "002_events_timestamp_index",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_events_session_timestamp
				ON events (session_id, timestamp);
		`,
	},
}

// runMigrations applies every pending migration in order.
func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.name, err)
		}

		s.logger.Info("applied wal migration", "name", m.name)
	}
	return nil
}
