package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one numbered SQL file, e.g. "001_realtime.sql".
type Migration struct {
	Version int
	Name    string
	SQL     string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the SQL files in dir to a schema, recording progress in
// <schema>._migrations.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

func quoteSchema(schema string) (string, error) {
	if schema == "" {
		return "", fmt.Errorf("schema name is required")
	}
	return pgx.Identifier{schema}.Sanitize(), nil
}

func (m *Migrator) ensureTable(ctx context.Context, schema string) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema))
	if err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

// LoadMigrations reads the *.sql files whose name starts with a numeric
// version and returns them in version order. Other files are skipped; two
// files with the same version are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
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
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		content, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context, schema string) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = at
	}
	return out, rows.Err()
}

// Up applies every pending migration and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations up to and including target; 0 means all.
// Each migration runs in its own transaction.
func (m *Migrator) UpTo(ctx context.Context, schema string, target int) (int, error) {
	quoted, err := quoteSchema(schema)
	if err != nil {
		return 0, err
	}
	if err := m.ensureTable(ctx, quoted); err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	done, err := m.applied(ctx, quoted)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range pending(migrations, done, target) {
		if err := m.apply(ctx, quoted, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func pending(all []Migration, done map[int]time.Time, target int) []Migration {
	var out []Migration
	for _, mig := range all {
		if target > 0 && mig.Version > target {
			break
		}
		if _, ok := done[mig.Version]; ok {
			continue
		}
		out = append(out, mig)
	}
	return out
}

func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) error {
	return WithTx(ctx, m.pool, func(ctx context.Context) error {
		tx := TxFromContext(ctx)
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			return fmt.Errorf("execute SQL: %w", err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s._migrations (version, name) VALUES ($1, $2)", schema),
			mig.Version, mig.Name,
		); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

// Status lists every known migration with its applied time, if any.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	quoted, err := quoteSchema(schema)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx, quoted); err != nil {
		return nil, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, quoted)
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, done), nil
}

func statusOf(all []Migration, done map[int]time.Time) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := done[mig.Version]; ok {
			at := at
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses
}
