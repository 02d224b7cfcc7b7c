package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/data"
	"github.com/target/mmk-ledger/internal/data/database"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

func (s *Store) transition(ctx context.Context, u data.TransitionUpdate) (bool, error) {
	query, args := data.TransitionSQL(database.SQLite, u, s.timeProvider.Now())
	var id string
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apperrors.Persistence(mapError(err), "update ledger record to "+string(u.To))
	}
	return true, nil
}

func (s *Store) MarkInProgress(ctx context.Context, id, updatedBy string) (bool, error) {
	return s.transition(ctx, data.TransitionUpdate{ID: id, To: model.LedgerStatusInProgress, UpdatedBy: updatedBy})
}

func (s *Store) Complete(ctx context.Context, p core.CompleteParams) (bool, error) {
	if len(p.Output) == 0 {
		return false, apperrors.ValidationField("output", "output is required")
	}
	return s.transition(ctx, data.TransitionUpdate{
		ID:        p.ID,
		To:        model.LedgerStatusSuccessful,
		UpdatedBy: p.UpdatedBy,
		Set:       []string{"output = %s"},
		Args:      []any{string(p.Output)},
	})
}

const failMetadata = `job_metadata = json_set(CASE WHEN json_type(job_metadata) = 'object' THEN job_metadata ELSE '{}' END, '$.last_error', %s)`

func (s *Store) Fail(ctx context.Context, p core.FailParams) (bool, error) {
	return s.transition(ctx, data.TransitionUpdate{
		ID:        p.ID,
		To:        model.LedgerStatusFailed,
		UpdatedBy: p.UpdatedBy,
		Set:       []string{failMetadata},
		Args:      []any{p.Reason},
	})
}

func (s *Store) MarkNotified(ctx context.Context, id, updatedBy string) (bool, error) {
	return s.transition(ctx, data.TransitionUpdate{ID: id, To: model.LedgerStatusNotified, UpdatedBy: updatedBy})
}
