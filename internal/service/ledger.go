package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

// DefaultRecentWindow is the creation window used by Recent when none is given.
const DefaultRecentWindow = 30 * time.Minute

// LedgerServiceOptions groups dependencies for LedgerService.
type LedgerServiceOptions struct {
	Repo       core.LedgerRepository // Required: ledger store
	Dispatcher core.Dispatcher       // Optional: broker; without it records wait for the watchdog
	Logger     *slog.Logger          // Optional: structured logger
	Metrics    statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// LedgerService is the foreground API over the job ledger: submission,
// lookups, and explicit transitions.
type LedgerService struct {
	repo       core.LedgerRepository
	dispatcher core.Dispatcher
	logger     *slog.Logger
	metrics    statsd.Sink
	now        func() time.Time
}

// NewLedgerService constructs a new LedgerService.
func NewLedgerService(opts LedgerServiceOptions) (*LedgerService, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerService{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		logger:     logger.With("component", "ledger_service"),
		metrics:    opts.Metrics,
		now:        time.Now,
	}, nil
}

// MustNewLedgerService constructs a new LedgerService and panics on error.
func MustNewLedgerService(opts LedgerServiceOptions) *LedgerService {
	svc, err := NewLedgerService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Submit records a new pending job and publishes its id.
//
// When the broker rejects the publish the record is still returned together
// with a Dispatch error; it stays pending and the watchdog republishes it once
// it goes stale.
func (s *LedgerService) Submit(ctx context.Context, req *model.CreateRecordRequest) (*model.JobRecord, error) {
	rec, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, rec.ID, "submit"); err != nil {
		return rec, err
	}
	return rec, nil
}

// chatInput is the input document carried by chat records.
type chatInput struct {
	Message string `json:"message"`
	User    string `json:"user"`
}

// InsertMessage submits a chat record whose input is {"message", "user"}.
func (s *LedgerService) InsertMessage(ctx context.Context, message, user string) (*model.JobRecord, error) {
	if message == "" {
		return nil, apperrors.ValidationField("message", "message is required")
	}
	input, err := json.Marshal(chatInput{Message: message, User: user})
	if err != nil {
		return nil, fmt.Errorf("encode chat input: %w", err)
	}
	return s.Submit(ctx, &model.CreateRecordRequest{
		EventType: model.EventTypeChat,
		Input:     input,
		CreatedBy: user,
	})
}

// BulkCreate inserts reqs best-effort and publishes every accepted record.
// Publish failures are logged; those records are picked up by the watchdog.
func (s *LedgerService) BulkCreate(ctx context.Context, reqs []model.CreateRecordRequest) (*model.BulkInsertResult, error) {
	if len(reqs) == 0 {
		return &model.BulkInsertResult{Valid: []model.JobRecord{}, Invalid: []model.BulkInsertFailure{}}, nil
	}
	res, err := s.repo.BulkCreate(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for i := range res.Valid {
		if perr := s.publish(ctx, res.Valid[i].ID, "bulk"); perr != nil && ctx.Err() != nil {
			break
		}
	}
	return res, nil
}

func (s *LedgerService) publish(ctx context.Context, id, source string) error {
	if s.dispatcher == nil {
		return nil
	}
	err := s.dispatcher.Publish(ctx, id)
	metrics.EmitPublish(s.metrics, source, err)
	if err != nil {
		s.logger.WarnContext(ctx, "publish failed; record left pending", "record_id", id, "error", err)
		if apperrors.IsDispatch(err) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeDispatch, "publish record")
	}
	return nil
}

// Get returns one record.
func (s *LedgerService) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	if _, err := ledger.DecodeID(id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// List returns records matching filter.
func (s *LedgerService) List(ctx context.Context, filter model.RecordFilter) ([]*model.JobRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// Recent lists records created within window, optionally for one creator.
func (s *LedgerService) Recent(ctx context.Context, createdBy *string, window time.Duration) ([]*model.JobRecord, error) {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	after := s.now().UTC().Add(-window)
	return s.List(ctx, model.RecordFilter{CreatedBy: createdBy, CreatedAfter: &after})
}

// Stats counts records per status.
func (s *LedgerService) Stats(ctx context.Context) (model.LedgerStats, error) {
	return s.repo.Stats(ctx)
}

// Claim moves a record from pending to in_progress. Re-claiming an
// in_progress record is accepted.
func (s *LedgerService) Claim(ctx context.Context, id, updatedBy string) error {
	ok, err := s.repo.MarkInProgress(ctx, id, updatedBy)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejected(ctx, id, model.LedgerStatusInProgress)
	}
	return nil
}

// Complete stores output and marks the record successful.
func (s *LedgerService) Complete(ctx context.Context, id string, output json.RawMessage, updatedBy string) error {
	if len(output) == 0 || !json.Valid(output) {
		return apperrors.ValidationField("output", "output must be valid JSON")
	}
	ok, err := s.repo.Complete(ctx, core.CompleteParams{ID: id, Output: output, UpdatedBy: updatedBy})
	if err != nil {
		return err
	}
	if !ok {
		return s.rejected(ctx, id, model.LedgerStatusSuccessful)
	}
	return nil
}

// Fail marks the record failed and records reason in its metadata.
func (s *LedgerService) Fail(ctx context.Context, id, reason, updatedBy string) error {
	ok, err := s.repo.Fail(ctx, core.FailParams{ID: id, Reason: reason, UpdatedBy: updatedBy})
	if err != nil {
		return err
	}
	if !ok {
		return s.rejected(ctx, id, model.LedgerStatusFailed)
	}
	return nil
}

// Deliver marks a successful record notified.
func (s *LedgerService) Deliver(ctx context.Context, id, updatedBy string) error {
	ok, err := s.repo.MarkNotified(ctx, id, updatedBy)
	if err != nil {
		return err
	}
	if !ok {
		return s.rejected(ctx, id, model.LedgerStatusNotified)
	}
	return nil
}

// Delete removes a record.
func (s *LedgerService) Delete(ctx context.Context, id string) error {
	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFoundf("ledger record %s not found", id)
	}
	return nil
}

// Ping checks the store.
func (s *LedgerService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return apperrors.Unavailable(err, "ledger store unavailable")
	}
	return nil
}

// rejected explains a conditional update that matched no row.
func (s *LedgerService) rejected(ctx context.Context, id string, target model.LedgerStatus) error {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cerr := ledger.CheckTransition(id, rec.Status, target); cerr != nil {
		return cerr
	}
	// The record moved between the update and the read.
	return apperrors.InvalidTransitionf("record %s changed concurrently (now %s)", id, rec.Status)
}
