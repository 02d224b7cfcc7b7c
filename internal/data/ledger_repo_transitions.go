package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/data/database"
	"github.com/target/mmk-ledger/internal/data/pgxutil"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// TransitionUpdate describes one guarded single-row status change.
type TransitionUpdate struct {
	ID        string
	To        model.LedgerStatus
	UpdatedBy string
	// Set holds extra assignments; each %s is replaced by the bind marker of the matching Args entry.
	Set  []string
	Args []any
	// Notify, when set, raises pg_notify(Notify, id) in the same transaction.
	Notify string
}

// TransitionSQL renders an UPDATE guarded by the state machine's source
// statuses. The statement returns the id of the updated row, if any.
func TransitionSQL(d database.Dialect, u TransitionUpdate, now any) (string, []any) {
	args := []any{u.To, u.UpdatedBy, now}
	assignments := []string{
		"status = " + d.Placeholder(1),
		"updated_by = " + d.Placeholder(2),
		fmt.Sprintf("updated_timestamp_utc = %s(%s, updated_timestamp_utc)", greatest(d), d.Placeholder(3)),
	}
	for i, s := range u.Set {
		args = append(args, u.Args[i])
		assignments = append(assignments, fmt.Sprintf(s, d.Placeholder(len(args))))
	}

	sources := ledger.SourcesFor(u.To)
	args = append(args, u.ID)
	idMark := d.Placeholder(len(args))
	start := len(args) + 1
	for _, s := range sources {
		args = append(args, s)
	}

	query := fmt.Sprintf(`UPDATE ledger_records SET %s WHERE id = %s AND status IN (%s) RETURNING id`,
		strings.Join(assignments, ", "), idMark, database.Placeholders(d, start, len(sources)))
	return query, args
}

func greatest(d database.Dialect) string {
	if d == database.SQLite {
		return "MAX"
	}
	return "GREATEST"
}

func (r *LedgerRepo) transition(ctx context.Context, u TransitionUpdate) (bool, error) {
	query, args := TransitionSQL(database.Postgres, u, r.timeProvider.Now())

	applied := false
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var id string
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}
			applied = true
			if u.Notify == "" {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, u.Notify, id); err != nil {
				return fmt.Errorf("notify %s: %w", u.Notify, err)
			}
			return nil
		},
	})
	if err != nil {
		return false, apperrors.Persistence(apperrors.MapDBError(err), "update ledger record to "+string(u.To))
	}
	return applied, nil
}

// MarkInProgress claims a pending record. Claiming an in_progress record again
// succeeds so broker redeliveries can proceed.
func (r *LedgerRepo) MarkInProgress(ctx context.Context, id, updatedBy string) (bool, error) {
	return r.transition(ctx, TransitionUpdate{ID: id, To: model.LedgerStatusInProgress, UpdatedBy: updatedBy})
}

// Complete stores output and marks the record successful.
func (r *LedgerRepo) Complete(ctx context.Context, p core.CompleteParams) (bool, error) {
	if len(p.Output) == 0 {
		return false, apperrors.ValidationField("output", "output is required")
	}
	return r.transition(ctx, TransitionUpdate{
		ID:        p.ID,
		To:        model.LedgerStatusSuccessful,
		UpdatedBy: p.UpdatedBy,
		Set:       []string{"output = %s::jsonb"},
		Args:      []any{[]byte(p.Output)},
		Notify:    ledger.ChannelSuccessful,
	})
}

// pgFailMetadata merges last_error into object metadata, replacing anything else.
const pgFailMetadata = `job_metadata = (CASE WHEN jsonb_typeof(job_metadata) = 'object' THEN job_metadata ELSE '{}'::jsonb END) || jsonb_build_object('last_error', %s::text)`

// Fail marks the record failed and records reason in its metadata. Attempts are unchanged.
func (r *LedgerRepo) Fail(ctx context.Context, p core.FailParams) (bool, error) {
	return r.transition(ctx, TransitionUpdate{
		ID:        p.ID,
		To:        model.LedgerStatusFailed,
		UpdatedBy: p.UpdatedBy,
		Set:       []string{pgFailMetadata},
		Args:      []any{p.Reason},
	})
}

// MarkNotified moves a successful record to notified.
func (r *LedgerRepo) MarkNotified(ctx context.Context, id, updatedBy string) (bool, error) {
	return r.transition(ctx, TransitionUpdate{ID: id, To: model.LedgerStatusNotified, UpdatedBy: updatedBy})
}
