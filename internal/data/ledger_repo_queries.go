package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/target/mmk-ledger/internal/data/database"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// BuildRecordListQuery renders a filtered, projected, paginated SELECT over the
// ledger table for dialect d. Results are newest first unless f.Oldest is set.
func BuildRecordListQuery(d database.Dialect, f model.RecordFilter) (string, []any, []string) {
	limit, offset := clampPage(f.Limit, f.Offset)
	cols := f.Columns
	if len(cols) == 0 {
		cols = model.RecordColumns
	}

	dir := "DESC"
	if f.Oldest {
		dir = "ASC"
	}

	opts := []database.ListQueryOption{
		database.WithDialect(d),
		database.WithColumns(cols...),
		database.WithOrderBy(model.ColumnCreatedAt, dir),
		database.WithLimit(limit),
		database.WithOffset(offset),
	}
	if len(f.Statuses) > 0 {
		opts = append(opts, database.WithCondition(database.WhereCond(model.ColumnStatus, database.In, f.Statuses)))
	}
	if f.EventType != "" {
		opts = append(opts, database.WithCondition(database.WhereCond(model.ColumnEventType, database.Equal, f.EventType)))
	}
	if f.CreatedBy != nil {
		opts = append(opts, database.WithCondition(database.WhereCond(model.ColumnCreatedBy, database.Equal, *f.CreatedBy)))
	}
	if f.CreatedAfter != nil {
		opts = append(opts, database.WithCondition(
			database.WhereCond(model.ColumnCreatedAt, database.GreaterThanOrEqual, f.CreatedAfter.UTC())))
	}
	if f.CreatedBefore != nil {
		opts = append(opts, database.WithCondition(
			database.WhereCond(model.ColumnCreatedAt, database.LessThan, f.CreatedBefore.UTC())))
	}

	query, args := database.BuildListQuery(database.NewListQueryOptions(LedgerTable, opts...))
	return query, args, cols
}

// CollectRecords scans every row of rows using the projection cols.
func CollectRecords(rows *sql.Rows, cols []string) ([]*model.JobRecord, error) {
	defer rows.Close()
	var out []*model.JobRecord
	for rows.Next() {
		rec, err := ScanRecord(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List returns records matching f.
func (r *LedgerRepo) List(ctx context.Context, f model.RecordFilter) ([]*model.JobRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	query, args, cols := BuildRecordListQuery(database.Postgres, f)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "list ledger records")
	}
	recs, err := CollectRecords(rows, cols)
	if err != nil {
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "scan ledger records")
	}
	return recs, nil
}

// Stats counts records per status. Statuses with no records report zero.
func (r *LedgerRepo) Stats(ctx context.Context) (model.LedgerStats, error) {
	return QueryStats(ctx, r.DB)
}

// QueryStats runs the per-status count against any SQL ledger store.
func QueryStats(ctx context.Context, db *sql.DB) (model.LedgerStats, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ledger_records GROUP BY status`)
	if err != nil {
		return nil, apperrors.Persistence(apperrors.MapDBError(err), "ledger stats")
	}
	defer rows.Close()

	stats := make(model.LedgerStats, len(model.AllLedgerStatuses))
	for _, s := range model.AllLedgerStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Persistence(err, "scan ledger stats")
		}
		stats[model.LedgerStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence(fmt.Errorf("iterate ledger stats: %w", err), "ledger stats")
	}
	return stats, nil
}
