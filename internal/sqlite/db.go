// Package sqlite is the local persistence backend. Buckets store the hour as
// "HH:00" text, the shape the local MySQL-era exports used.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current schema version of the local database.
const SchemaVersion = 1

// OpenDB opens (or creates) a SQLite database at dbPath and applies
// migrations.
func OpenDB(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("open: empty db path")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("open: create db dir: %w", err)
	}

	dsn := "file:" + dbPath + "?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: sql open: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: ping: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open: migrate: %w", err)
	}

	return db, nil
}

// Migrate ensures the schema exists and is at SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []struct {
		name string
		stmt string
	}{
		{"create events table", `
			CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				occurred_at INTEGER NOT NULL,
				period_start INTEGER NOT NULL,
				source_link TEXT NOT NULL DEFAULT '',
				raw_data BLOB NULL,
				updated_at TEXT NOT NULL
			);`},
		{"create idx_events_occurred_at", `CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events(occurred_at, id);`},
		{"create heatmap table", `
			CREATE TABLE IF NOT EXISTS heatmap (
				date TEXT NOT NULL,
				hour TEXT NOT NULL,
				date_str TEXT NOT NULL,
				primary_count INTEGER NOT NULL DEFAULT 0,
				reply_count INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (date, hour)
			);`},
		{"create cursors table", `
			CREATE TABLE IF NOT EXISTS cursors (
				source TEXT PRIMARY KEY,
				cursor_value INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			);`},
	}
	for _, step := range steps {
		if _, err := tx.Exec(step.stmt); err != nil {
			return fmt.Errorf("migrate: %s: %w", step.name, err)
		}
	}

	_, err = tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}
