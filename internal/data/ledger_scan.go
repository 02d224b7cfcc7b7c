package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/target/mmk-ledger/internal/domain/model"
)

// RowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// RecordColumnList renders the full column list for SELECT/RETURNING clauses.
var RecordColumnList = strings.Join(model.RecordColumns, ", ")

// recordRow holds nullable intermediates for one scanned row.
type recordRow struct {
	input, output, metadata []byte
	createdBy, updatedBy    sql.NullString
	status                  string
}

// destinations maps each requested column to a scan target on rec or row.
func (row *recordRow) destinations(rec *model.JobRecord, cols []string) ([]any, error) {
	dest := make([]any, len(cols))
	for i, c := range cols {
		switch c {
		case model.ColumnID:
			dest[i] = &rec.ID
		case model.ColumnEventType:
			dest[i] = &rec.EventType
		case model.ColumnStatus:
			dest[i] = &row.status
		case model.ColumnInput:
			dest[i] = &row.input
		case model.ColumnOutput:
			dest[i] = &row.output
		case model.ColumnJobMetadata:
			dest[i] = &row.metadata
		case model.ColumnAttempts:
			dest[i] = &rec.Attempts
		case model.ColumnCreatedBy:
			dest[i] = &row.createdBy
		case model.ColumnUpdatedBy:
			dest[i] = &row.updatedBy
		case model.ColumnCreatedAt:
			dest[i] = &rec.CreatedAt
		case model.ColumnUpdatedAt:
			dest[i] = &rec.UpdatedAt
		default:
			return nil, fmt.Errorf("unknown ledger column %q", c)
		}
	}
	return dest, nil
}

func (row *recordRow) apply(rec *model.JobRecord) {
	rec.Status = model.LedgerStatus(row.status)
	rec.Input = cloneJSON(row.input)
	rec.Output = cloneJSON(row.output)
	rec.JobMetadata = cloneJSON(row.metadata)
	rec.CreatedBy = row.createdBy.String
	rec.UpdatedBy = row.updatedBy.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
}

// ScanRecord scans one row whose select list is cols. A nil cols means all columns.
func ScanRecord(s RowScanner, cols []string) (*model.JobRecord, error) {
	if len(cols) == 0 {
		cols = model.RecordColumns
	}
	rec := &model.JobRecord{}
	var row recordRow
	dest, err := row.destinations(rec, cols)
	if err != nil {
		return nil, err
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	row.apply(rec)
	return rec, nil
}

// cloneJSON copies driver-owned bytes; SQL NULL stays nil.
func cloneJSON(raw []byte) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// NullableJSON converts an empty payload to SQL NULL.
func NullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// clampPage applies the default and maximum list page sizes.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, max(offset, 0)
}

const (
	// DefaultListLimit applies when a filter leaves Limit unset.
	DefaultListLimit = 50
	// MaxListLimit caps any single page.
	MaxListLimit = 1000
)
