// Package migrate applies the embedded schema migrations for the ledger stores.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/target/mmk-ledger/internal/data/pgxutil"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Dialect selects the migration set.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type dialectSQL struct {
	createTable string
	exists      string
	record      string
}

var dialects = map[Dialect]dialectSQL{
	Postgres: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		exists: `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`,
		record: `INSERT INTO schema_migrations (version) VALUES ($1)`,
	},
	SQLite: {
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		exists: `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`,
		record: `INSERT INTO schema_migrations (version) VALUES (?)`,
	},
}

// Run applies all migrations for d in lexical order. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB, d Dialect) error {
	stmts, ok := dialects[d]
	if !ok {
		return fmt.Errorf("unknown migration dialect %q", d)
	}
	if _, err := db.ExecContext(ctx, stmts.createTable); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := Files(d)
	if err != nil {
		return err
	}
	logger := slog.Default().With("component", "migrations", "dialect", string(d))
	for _, f := range files {
		if err := apply(ctx, db, stmts, d, f, logger); err != nil {
			return err
		}
	}
	return nil
}

// Files lists the migration files for d in apply order.
func Files(d Dialect) ([]string, error) {
	dir := path.Join("migrations", string(d))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func apply(ctx context.Context, db *sql.DB, stmts dialectSQL, d Dialect, file string, logger *slog.Logger) error {
	version := strings.TrimSuffix(file, ".sql")

	var exists bool
	if err := db.QueryRowContext(ctx, stmts.exists, version).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if exists {
		return nil
	}

	body, err := migrationsFS.ReadFile(path.Join("migrations", string(d), file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	logger.InfoContext(ctx, "applying migration", "version", version)
	return pgxutil.WithSQLTx(ctx, db, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec migration %s: %w", file, err)
			}
			if _, err := tx.ExecContext(ctx, stmts.record, version); err != nil {
				return fmt.Errorf("record migration %s: %w", file, err)
			}
			return nil
		},
	})
}
