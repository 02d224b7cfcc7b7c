// Package jobrunner consumes dispatched record ids and drives each record
// through compute to a terminal status.
package jobrunner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Defaults for WorkerOptions.
const (
	DefaultComputeTimeout = 5 * time.Minute
	DefaultWorkerID       = "worker"
)

// Lifecycle transitions reported in metrics.
const (
	transitionSkipped    = "skipped"
	transitionSuccessful = "successful"
	transitionFailed     = "failed"
	transitionRetry      = "retry"
)

// WorkerOptions configures the worker.
type WorkerOptions struct {
	Repo       core.LedgerRepository
	Dispatcher core.Dispatcher
	Computer   core.Computer
	Logger     *slog.Logger
	Metrics    statsd.Sink

	// Concurrency is the number of subscription loops; defaults to 1.
	Concurrency int
	// ComputeTimeout bounds one compute call; defaults to 5m.
	ComputeTimeout time.Duration
	// WorkerID is written to updated_by.
	WorkerID string
}

// Worker pulls record ids from the dispatcher and executes them.
type Worker struct {
	repo       core.LedgerRepository
	dispatcher core.Dispatcher
	computer   core.Computer
	logger     *slog.Logger
	metrics    statsd.Sink
	workers    int
	timeout    time.Duration
	workerID   string
	flight     singleflight.Group
}

// NewWorker validates opts and constructs a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	switch {
	case opts.Repo == nil:
		return nil, errors.New("ledger repository is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case opts.Computer == nil:
		return nil, errors.New("computer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		computer:   opts.Computer,
		logger:     logger.With("component", "worker"),
		metrics:    opts.Metrics,
		workers:    max(opts.Concurrency, 1),
		timeout:    opts.ComputeTimeout,
		workerID:   opts.WorkerID,
	}
	if w.timeout <= 0 {
		w.timeout = DefaultComputeTimeout
	}
	if w.workerID == "" {
		w.workerID = DefaultWorkerID
	}
	return w, nil
}

// Run starts the subscription loops and blocks until ctx is cancelled or a
// loop fails; the first failure cancels the rest.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "starting worker", "workers", w.workers, "compute_timeout", w.timeout)

	g, gctx := errgroup.WithContext(ctx)
	for range w.workers {
		g.Go(func() error {
			return w.dispatcher.Subscribe(gctx, w.Handle)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Handle processes one delivery and reports whether it may be acknowledged.
// Concurrent deliveries of the same id share one execution.
func (w *Worker) Handle(ctx context.Context, msg core.Message) bool {
	id := strings.TrimSpace(msg.Body)
	if _, err := ledger.DecodeID(id); err != nil {
		w.logger.WarnContext(ctx, "dropping undecodable message", "message_id", msg.ID, "error", err)
		w.emit("", transitionSkipped, metrics.ResultNoop, 0, nil)
		return true
	}
	v, _, _ := w.flight.Do(id, func() (any, error) {
		return w.process(ctx, id, msg.Deliveries), nil
	})
	ack, _ := v.(bool)
	return ack
}

func (w *Worker) process(ctx context.Context, id string, deliveries int64) bool {
	log := w.logger.With("record_id", id)

	rec, err := w.repo.GetByID(ctx, id)
	switch {
	case apperrors.IsNotFound(err):
		log.WarnContext(ctx, "record not found; skipping")
		w.emit("", transitionSkipped, metrics.ResultNoop, 0, nil)
		return true
	case err != nil:
		log.ErrorContext(ctx, "load record failed", "error", err)
		w.emit("", transitionRetry, metrics.ResultError, 0, err)
		return false
	case rec.Status.Terminal():
		log.DebugContext(ctx, "record already terminal; skipping", "status", rec.Status)
		w.emit(rec.EventType, transitionSkipped, metrics.ResultNoop, 0, nil)
		return true
	}

	claimed, err := w.repo.MarkInProgress(ctx, id, w.workerID)
	if err != nil {
		log.ErrorContext(ctx, "claim failed", "error", err)
		w.emit(rec.EventType, transitionRetry, metrics.ResultError, 0, err)
		return false
	}
	if !claimed {
		// Another writer moved it to a terminal status first.
		w.emit(rec.EventType, transitionSkipped, metrics.ResultNoop, 0, nil)
		return true
	}

	start := time.Now()
	output, cerr := w.compute(ctx, rec)
	if cerr != nil && ctx.Err() != nil {
		// Shutting down; the watchdog reclaims the record once it is stale.
		return false
	}
	if cerr != nil {
		return w.fail(ctx, log, rec, cerr, deliveries, time.Since(start))
	}

	if _, err := w.repo.Complete(ctx, core.CompleteParams{ID: id, Output: output, UpdatedBy: w.workerID}); err != nil {
		log.ErrorContext(ctx, "complete failed", "error", err)
		w.emit(rec.EventType, transitionSuccessful, metrics.ResultError, time.Since(start), err)
		return false
	}
	log.InfoContext(ctx, "record completed", "duration", time.Since(start))
	w.emit(rec.EventType, transitionSuccessful, metrics.ResultSuccess, time.Since(start), nil)
	return true
}

func (w *Worker) compute(ctx context.Context, rec *model.JobRecord) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	out, err := w.computer.Compute(cctx, core.ComputeRequest{
		RecordID:  rec.ID,
		EventType: rec.EventType,
		Input:     rec.Input,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperrors.Compute(err, "compute timed out")
		}
		return nil, err
	}
	return out, nil
}

func (w *Worker) fail(
	ctx context.Context,
	log *slog.Logger,
	rec *model.JobRecord,
	cause error,
	deliveries int64,
	elapsed time.Duration,
) bool {
	log.WarnContext(ctx, "compute failed", "error", cause, "deliveries", deliveries)
	if _, err := w.repo.Fail(ctx, core.FailParams{ID: rec.ID, Reason: cause.Error(), UpdatedBy: w.workerID}); err != nil {
		log.ErrorContext(ctx, "fail write failed", "error", err, "original_error", cause)
		w.emit(rec.EventType, transitionFailed, metrics.ResultError, elapsed, err)
		return false
	}
	w.emit(rec.EventType, transitionFailed, metrics.ResultError, elapsed, cause)
	return true
}

func (w *Worker) emit(eventType, transition, result string, d time.Duration, err error) {
	metrics.EmitRecordLifecycle(w.metrics, metrics.RecordMetric{
		EventType:  eventType,
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}
