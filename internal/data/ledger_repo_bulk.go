package data

import (
	"context"

	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// recordCreator is the single-record insert a bulk load is built from.
type recordCreator func(ctx context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error)

// BulkInsert inserts each request in its own transaction. Validation and
// integrity failures are reported per element and the batch continues; any
// other failure aborts the remaining elements and is returned with the
// partial result.
func BulkInsert(ctx context.Context, create recordCreator, reqs []model.CreateRecordRequest) (*model.BulkInsertResult, error) {
	res := &model.BulkInsertResult{
		Valid:   make([]model.JobRecord, 0, len(reqs)),
		Invalid: []model.BulkInsertFailure{},
	}
	for i := range reqs {
		if err := ctx.Err(); err != nil {
			return res, apperrors.MapDBError(err)
		}
		req := reqs[i]
		rec, err := create(ctx, &req)
		if err == nil {
			res.Valid = append(res.Valid, *rec)
			continue
		}
		if !apperrors.IsIntegrity(err) {
			return res, err
		}
		res.Invalid = append(res.Invalid, model.BulkInsertFailure{
			Index:   i,
			Request: reqs[i],
			Code:    string(apperrors.GetCode(err)),
			Field:   apperrors.GetField(err),
			Error:   err.Error(),
		})
	}
	return res, nil
}

// BulkCreate inserts a best-effort batch.
func (r *LedgerRepo) BulkCreate(ctx context.Context, reqs []model.CreateRecordRequest) (*model.BulkInsertResult, error) {
	return BulkInsert(ctx, r.Create, reqs)
}
