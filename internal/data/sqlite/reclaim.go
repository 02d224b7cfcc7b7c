package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/mmk-ledger/internal/data"
	"github.com/target/mmk-ledger/internal/data/pgxutil"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

const reclaimStaleSQL = `
	UPDATE ledger_records
	SET status = 'pending',
	    attempts = attempts + 1,
	    updated_by = ?,
	    updated_timestamp_utc = MAX(?, updated_timestamp_utc)
	WHERE id IN (
		SELECT id FROM ledger_records
		WHERE status IN ('pending', 'in_progress', 'failed')
		  AND updated_timestamp_utc < ?
		  AND attempts < ?
		ORDER BY updated_timestamp_utc
		LIMIT ?
	)
	RETURNING id`

const exhaustStaleSQL = `
	UPDATE ledger_records
	SET status = 'failed',
	    updated_by = ?,
	    updated_timestamp_utc = MAX(?, updated_timestamp_utc),
	    job_metadata = json_set(CASE WHEN json_type(job_metadata) = 'object' THEN job_metadata ELSE '{}' END,
	                            '$.last_error', 'attempt budget exhausted')
	WHERE id IN (
		SELECT id FROM ledger_records
		WHERE status IN ('pending', 'in_progress')
		  AND updated_timestamp_utc < ?
		  AND attempts >= ?
		ORDER BY updated_timestamp_utc
		LIMIT ?
	)
	RETURNING id`

// Reclaim runs one watchdog scan. The immediate transaction takes SQLite's
// write lock, so concurrent scans serialize instead of double-publishing.
func (s *Store) Reclaim(ctx context.Context, opts model.ReclaimOptions) (*model.ReclaimResult, error) {
	if opts.MaxAttempts <= 0 {
		return nil, apperrors.Validation("max attempts must be positive")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = data.DefaultReclaimBatch
	}

	res := &model.ReclaimResult{}
	err := pgxutil.WithSQLTx(ctx, s.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			args := []any{opts.UpdatedBy, s.timeProvider.Now(), opts.StaleBefore.UTC(), opts.MaxAttempts, limit}
			var err error
			if res.Reclaimed, err = queryIDs(ctx, tx, reclaimStaleSQL, args); err != nil {
				return fmt.Errorf("reclaim stale records: %w", err)
			}
			if res.Exhausted, err = queryIDs(ctx, tx, exhaustStaleSQL, args); err != nil {
				return fmt.Errorf("fail exhausted records: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, apperrors.Persistence(mapError(err), "reclaim ledger records")
	}
	return res, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args []any) ([]string, error) {
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
