package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration represents a single database migration loaded from a SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies numbered SQL files from a filesystem to a PostgreSQL schema.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
}

// NewMigrator creates a Migrator reading *.sql files from the root of source.
// Use os.DirFS for a directory on disk or the embedded migrations.FS.
func NewMigrator(pool *pgxpool.Pool, source fs.FS) *Migrator {
	return &Migrator{
		pool:   pool,
		source: source,
	}
}

func quoteSchema(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

// EnsureMigrationsTable creates the schema and its _migrations tracking table.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context, schema string) error {
	s := quoteSchema(schema)
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s._migrations (
    version INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ DEFAULT NOW()
)`, s, s)

	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

// LoadMigrations reads all .sql files, parses the version from the filename
// prefix ("001_patient_record.sql" -> 1) and returns them sorted by version.
// Files without a numeric prefix are skipped; duplicate versions are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, other, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *Migrator) appliedAt(ctx context.Context, schema string) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, quoteSchema(schema)))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order, each in its own
// transaction, and returns how many were applied.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	applied, err := m.appliedAt(ctx, schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range Pending(migrations, applied) {
		if err := m.applyMigration(ctx, schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Pending filters migrations down to those not present in applied.
func Pending(migrations []Migration, applied map[int]time.Time) []Migration {
	var out []Migration
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; !ok {
			out = append(out, mig)
		}
	}
	return out
}

func (m *Migrator) applyMigration(ctx context.Context, schema string, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", quoteSchema(schema))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit(ctx)
}

// Status reports every known migration as applied or pending.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return nil, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedAt(ctx, schema)
	if err != nil {
		return nil, err
	}

	return BuildStatus(migrations, applied), nil
}

// BuildStatus joins loaded migrations with applied timestamps.
func BuildStatus(migrations []Migration, applied map[int]time.Time) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		status := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			status.Applied = true
			appliedAt := at
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses
}
