package data

import (
	"context"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// scriptedCreator returns the queued error for each call, or a record when nil.
func scriptedCreator(errs ...error) (recordCreator, *int) {
	calls := 0
	return func(_ context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error) {
		i := calls
		calls++
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		return &model.JobRecord{ID: req.ID, EventType: req.EventType}, nil
	}, &calls
}

func TestBulkInsert_IntegrityFailuresContinue(t *testing.T) {
	create, calls := scriptedCreator(nil, apperrors.Conflict("record already exists"), nil)
	reqs := []model.CreateRecordRequest{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	res, err := BulkInsert(context.Background(), create, reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
	assert.Len(t, res.Valid, 2)
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, 1, res.Invalid[0].Index)
	assert.Equal(t, string(apperrors.ErrCodeConflict), res.Invalid[0].Code)
}

func TestBulkInsert_LockContentionAbortsBatch(t *testing.T) {
	deadlock := apperrors.Persistence(apperrors.MapDBError(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}), "insert ledger record")
	create, calls := scriptedCreator(nil, deadlock, nil)
	reqs := []model.CreateRecordRequest{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	res, err := BulkInsert(context.Background(), create, reqs)
	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, 2, *calls, "remaining rows are not attempted")
	assert.Len(t, res.Valid, 1)
	assert.Empty(t, res.Invalid, "transient failures are not reported as invalid rows")
}
