// Package db provides database connection management and the local task store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "tasksync.db"

// DB wraps the sql.DB with tasksync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so reads do not block the writer
// - Foreign key constraints enabled
// - A busy timeout for writers racing the single connection
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer and every store
	// transaction must see its own uncommitted rows.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{db}, nil
}

// OpenMigrated opens the database and applies every pending migration.
func OpenMigrated(dataDir string) (*DB, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	m := NewMigrator(db.DB)
	if err := m.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
