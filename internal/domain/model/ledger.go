// Package model defines the core data types shared by the ledger store, the
// dispatch pipeline and the HTTP surface.
package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// LedgerStatus represents the lifecycle status of a ledger record.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type LedgerStatus string

const (
	// LedgerStatusPending is the initial status; the record waits for a worker.
	LedgerStatusPending LedgerStatus = "pending"
	// LedgerStatusInProgress marks a record claimed by a worker.
	LedgerStatusInProgress LedgerStatus = "in_progress"
	// LedgerStatusSuccessful marks a record whose output is ready for delivery.
	LedgerStatusSuccessful LedgerStatus = "successful"
	// LedgerStatusFailed marks a record whose compute call failed.
	LedgerStatusFailed LedgerStatus = "failed"
	// LedgerStatusNotified marks a successful record that was streamed to a client.
	LedgerStatusNotified LedgerStatus = "notified"
)

// AllLedgerStatuses lists every status in lifecycle order.
var AllLedgerStatuses = []LedgerStatus{
	LedgerStatusPending,
	LedgerStatusInProgress,
	LedgerStatusSuccessful,
	LedgerStatusFailed,
	LedgerStatusNotified,
}

// Valid returns true if the LedgerStatus is known.
func (s LedgerStatus) Valid() bool {
	return slices.Contains(AllLedgerStatuses, s)
}

// Terminal reports whether a worker must skip the record on delivery.
func (s LedgerStatus) Terminal() bool {
	return s == LedgerStatusSuccessful || s == LedgerStatusFailed || s == LedgerStatusNotified
}

// HasOutput reports whether records in this status carry output.
func (s LedgerStatus) HasOutput() bool {
	return s == LedgerStatusSuccessful || s == LedgerStatusNotified
}

// UnmarshalText implements encoding.TextUnmarshaler for query and env parsing.
func (s *LedgerStatus) UnmarshalText(text []byte) error {
	v := LedgerStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ledger status: %q", string(text))
	}
	*s = v
	return nil
}

// EventTypeChat routes a record to the compute collaborator's text generation call.
const EventTypeChat = "chat"

// JobRecord is the ledger's unit of asynchronous work.
type JobRecord struct {
	ID          string          `json:"id"                     db:"id"`
	EventType   string          `json:"event_type"             db:"event_type"`
	Status      LedgerStatus    `json:"status"                 db:"status"`
	Input       json.RawMessage `json:"input"                  db:"input"`
	Output      json.RawMessage `json:"output,omitempty"       db:"output"`
	JobMetadata json.RawMessage `json:"job_metadata,omitempty" db:"job_metadata"`
	Attempts    int             `json:"attempts"               db:"attempts"`
	CreatedBy   string          `json:"created_by"             db:"created_by"`
	UpdatedBy   string          `json:"updated_by"             db:"updated_by"`
	CreatedAt   time.Time       `json:"created_timestamp_utc"  db:"created_timestamp_utc"`
	UpdatedAt   time.Time       `json:"updated_timestamp_utc"  db:"updated_timestamp_utc"`
}

// CreateRecordRequest carries the fields accepted by the submission interface.
// Status and Attempts exist for compatibility with callers that send them;
// only pending/0 are accepted.
type CreateRecordRequest struct {
	ID          string          `json:"id,omitempty"`
	EventType   string          `json:"event_type"`
	Status      LedgerStatus    `json:"status,omitempty"`
	Input       json.RawMessage `json:"input"`
	JobMetadata json.RawMessage `json:"job_metadata,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
}

const maxEventTypeLen = 500

// Validate checks the request and applies defaults.
func (r *CreateRecordRequest) Validate() error {
	r.EventType = strings.TrimSpace(r.EventType)
	if r.EventType == "" {
		return apperrors.ValidationField("event_type", "event_type is required")
	}
	if len(r.EventType) > maxEventTypeLen {
		return apperrors.ValidationField("event_type", "event_type is too long")
	}
	if r.Status != "" && r.Status != LedgerStatusPending {
		return apperrors.ValidationField("status", "new records must start as pending")
	}
	if r.Attempts != 0 {
		return apperrors.ValidationField("attempts", "new records must start with zero attempts")
	}
	if len(r.Input) == 0 || string(r.Input) == "null" {
		return apperrors.ValidationField("input", "input is required")
	}
	if !json.Valid(r.Input) {
		return apperrors.ValidationField("input", "input must be valid JSON")
	}
	if len(r.JobMetadata) > 0 && !json.Valid(r.JobMetadata) {
		return apperrors.ValidationField("job_metadata", "job_metadata must be valid JSON")
	}
	r.Status = LedgerStatusPending
	if r.UpdatedBy == "" {
		r.UpdatedBy = r.CreatedBy
	}
	return nil
}

// Record column names, usable for projection.
const (
	ColumnID          = "id"
	ColumnEventType   = "event_type"
	ColumnStatus      = "status"
	ColumnInput       = "input"
	ColumnOutput      = "output"
	ColumnJobMetadata = "job_metadata"
	ColumnAttempts    = "attempts"
	ColumnCreatedBy   = "created_by"
	ColumnUpdatedBy   = "updated_by"
	ColumnCreatedAt   = "created_timestamp_utc"
	ColumnUpdatedAt   = "updated_timestamp_utc"
)

// RecordColumns lists all projectable columns in table order.
var RecordColumns = []string{
	ColumnID, ColumnEventType, ColumnStatus, ColumnInput, ColumnOutput, ColumnJobMetadata,
	ColumnAttempts, ColumnCreatedBy, ColumnUpdatedBy, ColumnCreatedAt, ColumnUpdatedAt,
}

// RecordFilter selects ledger records. Zero values mean "no constraint".
type RecordFilter struct {
	Statuses      []LedgerStatus
	EventType     string
	CreatedBy     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// Columns projects the result; unselected fields stay zero. Empty selects all.
	Columns []string
	Limit   int
	Offset  int
	// Oldest returns records in creation order instead of newest first.
	Oldest bool
}

// Validate rejects unknown statuses and projection columns.
func (f RecordFilter) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return apperrors.ValidationField("status", fmt.Sprintf("unknown status %q", s))
		}
	}
	for _, c := range f.Columns {
		if !slices.Contains(RecordColumns, c) {
			return apperrors.ValidationField("columns", fmt.Sprintf("unknown column %q", c))
		}
	}
	if f.Limit < 0 || f.Offset < 0 {
		return apperrors.Validation("limit and offset must be non-negative")
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedBefore.Before(*f.CreatedAfter) {
		return apperrors.Validation("created_before must not precede created_after")
	}
	return nil
}

// BulkInsertFailure reports one rejected element of a bulk insert.
type BulkInsertFailure struct {
	Index   int                 `json:"index"`
	Request CreateRecordRequest `json:"request"`
	Code    string              `json:"code"`
	Field   string              `json:"field,omitempty"`
	Error   string              `json:"error"`
}

// BulkInsertResult splits a best-effort batch into accepted and rejected elements.
type BulkInsertResult struct {
	Valid   []JobRecord         `json:"valid"`
	Invalid []BulkInsertFailure `json:"invalid"`
}

// ReclaimOptions parameterise one watchdog scan.
type ReclaimOptions struct {
	// StaleBefore selects records whose updated timestamp is older than this instant.
	StaleBefore time.Time
	MaxAttempts int
	Limit       int
	UpdatedBy   string
}

// ReclaimResult reports the outcome of one watchdog scan.
type ReclaimResult struct {
	// Reclaimed ids were reset to pending and must be republished.
	Reclaimed []string
	// Exhausted ids reached the attempt ceiling and were forced to failed.
	Exhausted []string
	// Skipped is true when another instance held the scan lock.
	Skipped bool
}

// LedgerStats counts records per status.
type LedgerStats map[LedgerStatus]int

// ResultEvent is the payload streamed to result consumers.
type ResultEvent struct {
	ID       string          `json:"id"`
	User     string          `json:"user"`
	Response json.RawMessage `json:"response"`
}
