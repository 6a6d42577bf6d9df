package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embeddedMigrations embed.FS

// SQLiteMigrations returns the embedded SQLite migration files.
func SQLiteMigrations() fs.FS {
	sub, _ := fs.Sub(embeddedMigrations, "migrations/sqlite")
	return sub
}

// PostgresMigrations returns the embedded Postgres migration files.
func PostgresMigrations() fs.FS {
	sub, _ := fs.Sub(embeddedMigrations, "migrations/postgres")
	return sub
}

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager handles database migrations
// FUNCTIONAL DISCOVERY: Manager pattern encapsulates migration state and operations
// enabling safe schema evolution across development and production environments
type MigrationManager struct {
	db         *sql.DB
	migrations fs.FS
}

// NewMigrationManager creates a new migration manager reading *.sql files from migrations
func NewMigrationManager(db *sql.DB, migrations fs.FS) *MigrationManager {
	return &MigrationManager{
		db:         db,
		migrations: migrations,
	}
}

// ApplyMigrations applies all pending migrations
// ARCHITECTURAL DISCOVERY: Transaction-based migration application ensures
// atomicity - a failed migration leaves no partial schema behind
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := LoadMigrations(m.migrations)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if lo.Contains(applied, migration.Version) {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// ValidateSchema ensures database matches expected structure
func (m *MigrationManager) ValidateSchema() error {
	validator := NewSchemaValidator(m.db)
	if err := validator.ValidateTablesExist(); err != nil {
		return err
	}
	return validator.ValidateIndexes()
}

// LoadMigrations reads every .sql file at the root of fsys, ordered by version.
// TECHNICAL DISCOVERY: Migration ordering by filename ensures consistent
// application order across different environments
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, err
		}

		// "001_initial_schema.sql" -> version "001", description "initial_schema"
		version, rest, _ := strings.Cut(entry.Name(), "_")
		migrations = append(migrations, Migration{
			Version:     version,
			Description: strings.TrimSuffix(rest, ".sql"),
			SQL:         string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// createMigrationTable creates the migration tracking table
func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getAppliedMigrations returns list of already applied migration versions
func (m *MigrationManager) getAppliedMigrations() ([]string, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

// applyMigration applies a single migration within a transaction
func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err = tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
