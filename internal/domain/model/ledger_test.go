package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

func TestCreateRecordRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       CreateRecordRequest
		wantField string
	}{
		{
			name: "valid minimal",
			req:  CreateRecordRequest{EventType: EventTypeChat, Input: json.RawMessage(`{"x":1}`)},
		},
		{
			name: "explicit pending accepted",
			req: CreateRecordRequest{
				EventType: EventTypeChat,
				Status:    LedgerStatusPending,
				Input:     json.RawMessage(`{"x":1}`),
			},
		},
		{
			name:      "missing event type",
			req:       CreateRecordRequest{Input: json.RawMessage(`{}`)},
			wantField: "event_type",
		},
		{
			name: "non pending status",
			req: CreateRecordRequest{
				EventType: EventTypeChat,
				Status:    LedgerStatusSuccessful,
				Input:     json.RawMessage(`{}`),
			},
			wantField: "status",
		},
		{
			name: "non zero attempts",
			req: CreateRecordRequest{
				EventType: EventTypeChat,
				Attempts:  1,
				Input:     json.RawMessage(`{}`),
			},
			wantField: "attempts",
		},
		{
			name:      "null input",
			req:       CreateRecordRequest{EventType: EventTypeChat, Input: json.RawMessage(`null`)},
			wantField: "input",
		},
		{
			name:      "malformed input",
			req:       CreateRecordRequest{EventType: EventTypeChat, Input: json.RawMessage(`{x`)},
			wantField: "input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, LedgerStatusPending, tt.req.Status)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, tt.wantField, apperrors.GetField(err))
		})
	}
}

func TestCreateRecordRequest_DefaultsUpdatedBy(t *testing.T) {
	req := CreateRecordRequest{EventType: "chat", Input: json.RawMessage(`{}`), CreatedBy: "alice"}
	require.NoError(t, req.Validate())
	assert.Equal(t, "alice", req.UpdatedBy)
}

func TestLedgerStatus(t *testing.T) {
	assert.True(t, LedgerStatusFailed.Terminal())
	assert.True(t, LedgerStatusNotified.Terminal())
	assert.False(t, LedgerStatusInProgress.Terminal())
	assert.True(t, LedgerStatusNotified.HasOutput())
	assert.False(t, LedgerStatusFailed.HasOutput())

	var s LedgerStatus
	require.NoError(t, s.UnmarshalText([]byte(" In_Progress ")))
	assert.Equal(t, LedgerStatusInProgress, s)
	require.Error(t, s.UnmarshalText([]byte("running")))
}

func TestRecordFilter_Validate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	require.NoError(t, RecordFilter{
		Statuses: []LedgerStatus{LedgerStatusSuccessful},
		Columns:  []string{ColumnID, ColumnCreatedBy, ColumnOutput},
	}.Validate())

	assert.Error(t, RecordFilter{Statuses: []LedgerStatus{"running"}}.Validate())
	assert.Error(t, RecordFilter{Columns: []string{"id; drop table"}}.Validate())
	assert.Error(t, RecordFilter{Limit: -1}.Validate())
	assert.Error(t, RecordFilter{CreatedAfter: &now, CreatedBefore: &earlier}.Validate())
}
