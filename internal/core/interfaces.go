package core

import (
	"context"
	"encoding/json"

	"github.com/target/mmk-ledger/internal/domain/model"
)

// This file contains the contracts between the service layer and its adapters.
// Service implementations depend on these interfaces, not concrete stores or brokers.

// LedgerRepository is the durable store of job records.
//
// Transition methods return (false, nil) when the record is absent or not in a
// status the transition accepts; callers decide whether that is an error.
type LedgerRepository interface {
	Create(ctx context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error)
	BulkCreate(ctx context.Context, reqs []model.CreateRecordRequest) (*model.BulkInsertResult, error)
	GetByID(ctx context.Context, id string) (*model.JobRecord, error)
	List(ctx context.Context, filter model.RecordFilter) ([]*model.JobRecord, error)
	Stats(ctx context.Context) (model.LedgerStats, error)
	MarkInProgress(ctx context.Context, id, updatedBy string) (bool, error)
	Complete(ctx context.Context, params CompleteParams) (bool, error)
	Fail(ctx context.Context, params FailParams) (bool, error)
	MarkNotified(ctx context.Context, id, updatedBy string) (bool, error)
	Reclaim(ctx context.Context, opts model.ReclaimOptions) (*model.ReclaimResult, error)
	Delete(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

// CompleteParams groups parameters for LedgerRepository.Complete.
type CompleteParams struct {
	ID        string
	Output    json.RawMessage
	UpdatedBy string
}

// FailParams groups parameters for LedgerRepository.Fail.
type FailParams struct {
	ID        string
	Reason    string
	UpdatedBy string
}

// Message is one broker delivery.
type Message struct {
	// ID is the broker's delivery handle (stream entry id, partition/offset).
	ID string
	// Body is the payload: an encoded record id.
	Body string
	// Deliveries counts how many times the broker handed this message out, when known.
	Deliveries int64
}

// Handler processes one delivery. Returning true acknowledges it; false leaves
// it for broker redelivery after the lease expires.
type Handler func(ctx context.Context, msg Message) (ack bool)

// Dispatcher is the publish/subscribe bridge to the message broker.
type Dispatcher interface {
	// Publish blocks until the broker acknowledges the message.
	Publish(ctx context.Context, body string) error
	// Subscribe pulls deliveries and invokes h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// ComputeRequest is the input handed to the external compute collaborator.
type ComputeRequest struct {
	RecordID  string
	EventType string
	Input     json.RawMessage
}

// Computer turns a record's input into its output.
type Computer interface {
	Compute(ctx context.Context, req ComputeRequest) (json.RawMessage, error)
}
