package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the list of all database migrations in order.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "pages_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS pages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				url TEXT UNIQUE NOT NULL,
				title TEXT,
				description TEXT,
				keywords TEXT,
				content TEXT,
				favicon_url TEXT,
				embedding BLOB,
				visit_count INTEGER NOT NULL DEFAULT 0,
				first_visited_epoch INTEGER,
				last_visited_epoch INTEGER,
				indexed_at TEXT NOT NULL,
				indexed_at_epoch INTEGER NOT NULL,
				last_updated_at TEXT NOT NULL,
				last_updated_epoch INTEGER NOT NULL,
				access_frequency REAL NOT NULL DEFAULT 0,
				recency_score REAL NOT NULL DEFAULT 0,
				arc_score REAL NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_pages_url ON pages(url);
			CREATE INDEX IF NOT EXISTS idx_pages_last_updated ON pages(last_updated_epoch DESC);
			CREATE INDEX IF NOT EXISTS idx_pages_last_visited ON pages(last_visited_epoch DESC);
			CREATE INDEX IF NOT EXISTS idx_pages_arc_score ON pages(arc_score);
		`,
	},
	{
		Version: 2,
		Name:    "pages_fts",
		SQL: `
			CREATE VIRTUAL TABLE IF NOT EXISTS pages_fts USING fts5(
				title, description, keywords, content,
				content='pages',
				content_rowid='id'
			);

			-- Triggers for FTS5 sync
			CREATE TRIGGER IF NOT EXISTS pages_ai AFTER INSERT ON pages BEGIN
				INSERT INTO pages_fts(rowid, title, description, keywords, content)
				VALUES (new.id, new.title, new.description, new.keywords, new.content);
			END;

			CREATE TRIGGER IF NOT EXISTS pages_ad AFTER DELETE ON pages BEGIN
				INSERT INTO pages_fts(pages_fts, rowid, title, description, keywords, content)
				VALUES('delete', old.id, old.title, old.description, old.keywords, old.content);
			END;

			CREATE TRIGGER IF NOT EXISTS pages_au AFTER UPDATE ON pages BEGIN
				INSERT INTO pages_fts(pages_fts, rowid, title, description, keywords, content)
				VALUES('delete', old.id, old.title, old.description, old.keywords, old.content);
				INSERT INTO pages_fts(rowid, title, description, keywords, content)
				VALUES (new.id, new.title, new.description, new.keywords, new.content);
			END;
		`,
	},
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the schema_versions table if it doesn't exist.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns all applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration applies a single migration.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies all pending migrations.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}

		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
