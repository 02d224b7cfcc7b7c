package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/data"
	"github.com/target/mmk-ledger/internal/data/sqlite"
	"github.com/target/mmk-ledger/internal/domain/ledger"
)

// DatabaseConfig carries connection settings for every store backend.
type DatabaseConfig struct {
	DBConfig     config.DBConfig
	SQLiteConfig config.SQLiteConfig
	RedisConfig  config.RedisConfig
	Logger       *slog.Logger
}

const (
	connectTimeout  = 5 * time.Second
	applicationName = "mmk-ledger"
)

// Store is an opened ledger store.
type Store struct {
	Repo core.LedgerRepository
	DB   *sql.DB
	// Waiter is set for stores that raise change notifications (Postgres).
	Waiter ledger.Waiter
	Driver config.StoreDriver
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore connects the configured ledger backend, applying migrations when
// runMigrations is set. SQLite always migrates on open.
func OpenStore(ctx context.Context, driver config.StoreDriver, cfg DatabaseConfig, runMigrations bool) (*Store, error) {
	repoCfg := data.RepoConfig{Logger: cfg.Logger}

	if driver == config.StoreDriverSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLiteConfig.Path)
		if err != nil {
			return nil, err
		}
		if cfg.Logger != nil {
			cfg.Logger.InfoContext(ctx, "sqlite ledger opened", "path", cfg.SQLiteConfig.Path)
		}
		return &Store{Repo: sqlite.NewStore(db, repoCfg), DB: db, Driver: driver}, nil
	}

	db, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	if runMigrations {
		if err := RunMigrations(ctx, db, cfg.Logger); err != nil {
			return nil, errors.Join(err, db.Close())
		}
	}
	repo := data.NewLedgerRepo(db, repoCfg)
	return &Store{Repo: repo, DB: db, Waiter: repo, Driver: config.StoreDriverPostgres}, nil
}

// postgresDSN renders DBConfig as a URL so credentials with reserved
// characters survive.
func postgresDSN(cfg config.DBConfig) string {
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ConnectDB opens a pooled Postgres handle through the pgx stdlib bridge and pings it.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	connCfg.RuntimeParams["application_name"] = applicationName

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(max(cfg.DBConfig.MaxOpenConns, 1))
	db.SetMaxIdleConns(max(cfg.DBConfig.MaxIdleConns, 0))
	db.SetConnMaxLifetime(cfg.DBConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping database: %w", err), db.Close())
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"port", cfg.DBConfig.Port,
			"database", cfg.DBConfig.Name,
			"max_open_conns", max(cfg.DBConfig.MaxOpenConns, 1),
		)
	}
	return db, nil
}

// RunMigrations applies the Postgres ledger schema.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
