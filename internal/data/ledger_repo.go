package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/data/pgxutil"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// LedgerTable is the table holding job records.
const LedgerTable = "ledger_records"

// RepoConfig holds configuration options for the ledger repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// LedgerRepo is the Postgres ledger store.
type LedgerRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewLedgerRepo creates a LedgerRepo over db, which must use the pgx driver.
func NewLedgerRepo(db *sql.DB, cfg RepoConfig) *LedgerRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "ledger_repo"),
	}
}

var _ core.LedgerRepository = (*LedgerRepo)(nil)

const insertRecordSQL = `
	INSERT INTO ledger_records (
		id, event_type, status, input, job_metadata, attempts,
		created_by, updated_by, created_timestamp_utc, updated_timestamp_utc
	) VALUES ($1, $2, 'pending', $3, $4, 0, $5, $6, $7, $7)
	RETURNING `

// Create inserts one pending record in its own transaction.
func (r *LedgerRepo) Create(ctx context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error) {
	if req == nil {
		return nil, apperrors.Validation("create record request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id, err := ResolveID(req.ID)
	if err != nil {
		return nil, err
	}

	var rec *model.JobRecord
	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, insertRecordSQL+RecordColumnList,
				id,
				req.EventType,
				[]byte(req.Input),
				NullableJSON(req.JobMetadata),
				req.CreatedBy,
				req.UpdatedBy,
				r.timeProvider.Now(),
			)
			var scanErr error
			rec, scanErr = ScanRecord(row, nil)
			return scanErr
		},
	})
	if err != nil {
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "insert ledger record")
	}
	return rec, nil
}

// ResolveID keeps a caller-supplied id when it is well formed, else allocates one.
func ResolveID(id string) (string, error) {
	if id == "" {
		return ledger.NewID(), nil
	}
	if _, err := ledger.DecodeID(id); err != nil {
		return "", err
	}
	return id, nil
}

// GetByID returns the record or a NotFound error.
func (r *LedgerRepo) GetByID(ctx context.Context, id string) (*model.JobRecord, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+RecordColumnList+` FROM ledger_records WHERE id = $1`, id)
	rec, err := ScanRecord(row, nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("ledger record %s not found", id)
		}
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "get ledger record")
	}
	return rec, nil
}

// Delete removes a record. It reports whether a row was deleted.
func (r *LedgerRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM ledger_records WHERE id = $1`, id)
	if err != nil {
		return false, apperrors.Persistence(apperrors.MapDBError(err), "delete ledger record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Persistence(err, "delete rows affected")
	}
	return n > 0, nil
}

// Ping checks database connectivity.
func (r *LedgerRepo) Ping(ctx context.Context) error {
	if err := r.DB.PingContext(ctx); err != nil {
		return apperrors.Persistence(err, "ping ledger database")
	}
	return nil
}

// WaitForNotification blocks until a NOTIFY arrives on channel or ctx ends.
func (r *LedgerRepo) WaitForNotification(ctx context.Context, channel string) error {
	quoted := pgx.Identifier{channel}.Sanitize()
	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+quoted)
		}()
		_, err := conn.WaitForNotification(ctx)
		return err
	})
}
