package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/mmk-ledger/internal/data/pgxutil"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// Advisory lock namespace for the watchdog scan.
// Two-arg pg_try_advisory_xact_lock(major, minor) keeps it apart from other users.
const (
	advisoryLockLedgerMajor   = 2000
	advisoryLockLedgerReclaim = 1
)

// DefaultReclaimBatch bounds one scan when ReclaimOptions.Limit is unset.
const DefaultReclaimBatch = 500

const reclaimStaleSQL = `
	WITH stale AS (
		SELECT id FROM ledger_records
		WHERE status IN ('pending', 'in_progress', 'failed')
		  AND updated_timestamp_utc < $1
		  AND attempts < $2
		ORDER BY updated_timestamp_utc
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE ledger_records r
	SET status = 'pending',
	    attempts = r.attempts + 1,
	    updated_by = $4,
	    updated_timestamp_utc = GREATEST($5, r.updated_timestamp_utc)
	FROM stale
	WHERE r.id = stale.id
	RETURNING r.id`

const exhaustStaleSQL = `
	WITH stale AS (
		SELECT id FROM ledger_records
		WHERE status IN ('pending', 'in_progress')
		  AND updated_timestamp_utc < $1
		  AND attempts >= $2
		ORDER BY updated_timestamp_utc
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	UPDATE ledger_records r
	SET status = 'failed',
	    updated_by = $4,
	    updated_timestamp_utc = GREATEST($5, r.updated_timestamp_utc),
	    job_metadata = (CASE WHEN jsonb_typeof(r.job_metadata) = 'object' THEN r.job_metadata ELSE '{}'::jsonb END)
	        || jsonb_build_object('last_error', 'attempt budget exhausted')
	FROM stale
	WHERE r.id = stale.id
	RETURNING r.id`

// Reclaim runs one watchdog scan under a transaction-scoped advisory lock.
// Stale records below the attempt ceiling are reset to pending with attempts+1;
// stale pending/in_progress records at the ceiling are forced to failed.
// When another instance holds the lock the scan is skipped.
func (r *LedgerRepo) Reclaim(ctx context.Context, opts model.ReclaimOptions) (*model.ReclaimResult, error) {
	if opts.MaxAttempts <= 0 {
		return nil, apperrors.Validation("max attempts must be positive")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReclaimBatch
	}

	res := &model.ReclaimResult{}
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockLedgerMajor, advisoryLockLedgerReclaim).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				res.Skipped = true
				return nil
			}

			now := r.timeProvider.Now()
			args := []any{opts.StaleBefore.UTC(), opts.MaxAttempts, limit, opts.UpdatedBy, now}
			var err error
			if res.Reclaimed, err = collectIDs(ctx, tx, reclaimStaleSQL, args); err != nil {
				return fmt.Errorf("reclaim stale records: %w", err)
			}
			if res.Exhausted, err = collectIDs(ctx, tx, exhaustStaleSQL, args); err != nil {
				return fmt.Errorf("fail exhausted records: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "reclaim ledger records")
	}
	return res, nil
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args []any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
