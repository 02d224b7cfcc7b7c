package data

import (
	"context"
	"database/sql"

	"github.com/target/mmk-ledger/internal/migrate"
)

// RunMigrations applies the Postgres ledger schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return migrate.Run(ctx, db, migrate.Postgres)
}
