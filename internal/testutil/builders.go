// Package testutil provides test helpers for the ledger: database and Redis
// setup with skip-if-unavailable semantics, and request builders.
package testutil

import (
	"encoding/json"

	"github.com/target/mmk-ledger/internal/domain/model"
)

// RecordRequestBuilder provides a fluent interface for building CreateRecordRequest values.
type RecordRequestBuilder struct {
	req model.CreateRecordRequest
}

// NewRecordRequest returns a builder for a chat record with a short message.
func NewRecordRequest() *RecordRequestBuilder {
	return &RecordRequestBuilder{
		req: model.CreateRecordRequest{
			EventType: model.EventTypeChat,
			Input:     json.RawMessage(`{"message":"hello","user":"test-user"}`),
			CreatedBy: "test-user",
		},
	}
}

func (b *RecordRequestBuilder) WithID(id string) *RecordRequestBuilder {
	b.req.ID = id
	return b
}

func (b *RecordRequestBuilder) WithEventType(eventType string) *RecordRequestBuilder {
	b.req.EventType = eventType
	return b
}

// WithMessage replaces the input with {"message": message, "user": <creator>}.
func (b *RecordRequestBuilder) WithMessage(message string) *RecordRequestBuilder {
	raw, _ := json.Marshal(map[string]string{"message": message, "user": b.req.CreatedBy})
	b.req.Input = raw
	return b
}

func (b *RecordRequestBuilder) WithInput(input string) *RecordRequestBuilder {
	b.req.Input = json.RawMessage(input)
	return b
}

func (b *RecordRequestBuilder) WithMetadata(metadata string) *RecordRequestBuilder {
	b.req.JobMetadata = json.RawMessage(metadata)
	return b
}

// WithCreatedBy sets the creator; updated_by defaults to it.
func (b *RecordRequestBuilder) WithCreatedBy(user string) *RecordRequestBuilder {
	b.req.CreatedBy = user
	return b
}

// Build returns a pointer to a copy of the request.
func (b *RecordRequestBuilder) Build() *model.CreateRecordRequest {
	req := b.req
	return &req
}

// BuildValue returns the request by value, as bulk inserts take it.
func (b *RecordRequestBuilder) BuildValue() model.CreateRecordRequest {
	return b.req
}
