package service

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// MaxImportRows caps a single import.
const MaxImportRows = 10000

// ParseImportCSV reads a header-led CSV into create requests.
//
// Recognized columns: id, event_type, status, input, job_metadata, attempts,
// created_by, updated_by. A file with message (and optionally user) columns
// instead of input produces chat records. defaultCreator fills empty
// created_by cells.
func ParseImportCSV(r io.Reader, defaultCreator string) ([]model.CreateRecordRequest, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, apperrors.Validation("import file is empty")
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "read csv header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	_, hasInput := cols[model.ColumnInput]
	_, hasMessage := cols["message"]
	if !hasInput && !hasMessage {
		return nil, apperrors.ValidationField("input", "csv needs an input or message column")
	}

	var out []model.CreateRecordRequest
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "read csv line %d", line)
		}
		if len(out) >= MaxImportRows {
			return nil, apperrors.Validationf("import exceeds %d rows", MaxImportRows)
		}
		req, err := csvRequest(cols, row, defaultCreator)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "csv line %d", line)
		}
		out = append(out, req)
	}
	return out, nil
}

func csvRequest(cols map[string]int, row []string, defaultCreator string) (model.CreateRecordRequest, error) {
	cell := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	req := model.CreateRecordRequest{
		ID:        cell(model.ColumnID),
		EventType: cell(model.ColumnEventType),
		Status:    model.LedgerStatus(cell(model.ColumnStatus)),
		CreatedBy: cell(model.ColumnCreatedBy),
		UpdatedBy: cell(model.ColumnUpdatedBy),
	}
	if v := cell(model.ColumnAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("attempts %q is not a number", v)
		}
		req.Attempts = n
	}
	if v := cell(model.ColumnJobMetadata); v != "" {
		req.JobMetadata = json.RawMessage(v)
	}

	if v := cell(model.ColumnInput); v != "" {
		req.Input = json.RawMessage(v)
	} else if msg := cell("message"); msg != "" {
		user := cell("user")
		if user == "" {
			user = cmp.Or(req.CreatedBy, defaultCreator)
		}
		input, err := json.Marshal(chatInput{Message: msg, User: user})
		if err != nil {
			return req, err
		}
		req.Input = input
		if req.EventType == "" {
			req.EventType = model.EventTypeChat
		}
		if req.CreatedBy == "" {
			req.CreatedBy = user
		}
	}
	if req.CreatedBy == "" {
		req.CreatedBy = defaultCreator
	}
	return req, nil
}

// Import parses a CSV and bulk inserts it. Malformed rows that still parse
// are reported per element in the result.
func (s *LedgerService) Import(ctx context.Context, r io.Reader, createdBy string) (*model.BulkInsertResult, error) {
	reqs, err := ParseImportCSV(r, createdBy)
	if err != nil {
		return nil, err
	}
	return s.BulkCreate(ctx, reqs)
}
