// Package sqlite is a single-node ledger store backed by mattn/go-sqlite3.
// It shares its query building and row scanning with the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattn/go-sqlite3"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/data"
	"github.com/target/mmk-ledger/internal/data/database"
	"github.com/target/mmk-ledger/internal/data/pgxutil"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/migrate"
)

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; an in-memory database also lives on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate.Run(ctx, db, migrate.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

// Store implements core.LedgerRepository on SQLite.
type Store struct {
	DB           *sql.DB
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB, cfg data.RepoConfig) *Store {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = data.RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, timeProvider: tp, logger: logger.With("component", "sqlite_ledger_store")}
}

var _ core.LedgerRepository = (*Store)(nil)

// mapError translates sqlite constraint failures into AppErrors and defers
// everything else to the shared mapper.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return apperrors.MapDBError(err)
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return &apperrors.AppError{Code: apperrors.ErrCodeConflict, Message: "record already exists", Field: "id", Cause: err}
	case sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintCheck:
		return &apperrors.AppError{Code: apperrors.ErrCodeValidation, Message: "field has an invalid value", Cause: err}
	}
	if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
		return &apperrors.AppError{Code: apperrors.ErrCodeUnavailable, Message: "database is busy, retry", Cause: err}
	}
	return &apperrors.AppError{Code: apperrors.ErrCodePersistence, Message: "database error", Cause: err}
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const selectByID = `SELECT %s FROM ledger_records WHERE id = ?`

// Create inserts one pending record.
func (s *Store) Create(ctx context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error) {
	if req == nil {
		return nil, apperrors.Validation("create record request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := data.ResolveID(req.ID)
	if err != nil {
		return nil, err
	}

	var rec *model.JobRecord
	err = pgxutil.WithSQLTx(ctx, s.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			now := s.timeProvider.Now()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_records (
					id, event_type, status, input, job_metadata, attempts,
					created_by, updated_by, created_timestamp_utc, updated_timestamp_utc
				) VALUES (?, ?, 'pending', ?, ?, 0, ?, ?, ?, ?)`,
				id, req.EventType, string(req.Input), nullableText(req.JobMetadata),
				req.CreatedBy, req.UpdatedBy, now, now,
			); err != nil {
				return err
			}
			var scanErr error
			rec, scanErr = data.ScanRecord(tx.QueryRowContext(ctx, fmt.Sprintf(selectByID, data.RecordColumnList), id), nil)
			return scanErr
		},
	})
	if err != nil {
		return nil, apperrors.Persistence(mapError(err), "insert ledger record")
	}
	return rec, nil
}

// BulkCreate inserts a best-effort batch.
func (s *Store) BulkCreate(ctx context.Context, reqs []model.CreateRecordRequest) (*model.BulkInsertResult, error) {
	return data.BulkInsert(ctx, s.Create, reqs)
}

// GetByID returns the record or a NotFound error.
func (s *Store) GetByID(ctx context.Context, id string) (*model.JobRecord, error) {
	rec, err := data.ScanRecord(s.DB.QueryRowContext(ctx, fmt.Sprintf(selectByID, data.RecordColumnList), id), nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("ledger record %s not found", id)
		}
		return nil, apperrors.Persistence(mapError(err), "get ledger record")
	}
	return rec, nil
}

// List returns records matching f.
func (s *Store) List(ctx context.Context, f model.RecordFilter) ([]*model.JobRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	query, args, cols := data.BuildRecordListQuery(database.SQLite, f)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence(mapError(err), "list ledger records")
	}
	recs, err := data.CollectRecords(rows, cols)
	if err != nil {
		return nil, apperrors.Persistence(mapError(err), "scan ledger records")
	}
	return recs, nil
}

func (s *Store) Stats(ctx context.Context) (model.LedgerStats, error) {
	return data.QueryStats(ctx, s.DB)
}

// Delete removes a record. It reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM ledger_records WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.Persistence(mapError(err), "delete ledger record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Persistence(err, "delete rows affected")
	}
	return n > 0, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return apperrors.Persistence(err, "ping sqlite")
	}
	return nil
}
