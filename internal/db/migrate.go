package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration represents an applied schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	dir  string
}

// NewMigrator creates a Migrator over the migrations compiled into the binary.
func NewMigrator(db *sql.DB) *Migrator {
	return NewMigratorFS(db, embeddedMigrations, "migrations")
}

// NewMigratorFS creates a Migrator reading V<n>__<desc>.{up,down}.sql from dir in fsys.
func NewMigratorFS(db *sql.DB, fsys fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fsys: fsys, dir: dir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	description string
	name        string
}

// upFiles lists the up files in version order.
func (m *Migrator) upFiles() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, desc, ok := parseMigrationName(entry.Name(), ".up.sql")
		if !ok {
			continue
		}
		files = append(files, migrationFile{version: version, description: desc, name: entry.Name()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// parseMigrationName splits V1__initial_schema.up.sql into (1, "initial_schema").
func parseMigrationName(name, suffix string) (int, string, bool) {
	if !strings.HasSuffix(name, suffix) || !strings.HasPrefix(name, "V") {
		return 0, "", false
	}
	parts := strings.SplitN(strings.TrimSuffix(name, suffix), "__", 2)
	if len(parts) < 2 || parts[1] == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, parts[1], true
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// Up applies all pending migrations. An applied migration whose file content
// changed is reported as an error.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedSums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedSums[mig.Version] = mig.Checksum
	}

	files, err := m.upFiles()
	if err != nil {
		return err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.fsys, path.Join(m.dir, f.name))
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
		if sum, ok := appliedSums[f.version]; ok {
			if sum != checksum(content) {
				return fmt.Errorf("migration V%d checksum mismatch", f.version)
			}
			continue
		}
		if err := m.applyMigration(f, content); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration.
func (m *Migrator) applyMigration(f migrationFile, content []byte) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, f.version, time.Now().Unix(), f.description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	matches, err := fs.Glob(m.fsys, path.Join(m.dir, fmt.Sprintf("V%d__*.down.sql", current)))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.fsys, matches[0])
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
