package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

// DefaultNotifierInterval is the idle sleep between drain cycles.
const DefaultNotifierInterval = 3 * time.Second

const notifierActor = "notifier"

// ResultSink receives streamed results. Implementations write to an SSE
// response or a websocket; an error ends the stream.
type ResultSink interface {
	Event(ctx context.Context, ev model.ResultEvent) error
	Heartbeat(ctx context.Context) error
}

// ResultNotifierConfig tunes the drain loop.
type ResultNotifierConfig struct {
	Interval  time.Duration
	BatchSize int
	UpdatedBy string
}

// ResultNotifierOptions groups dependencies for ResultNotifier.
type ResultNotifierOptions struct {
	Repo core.LedgerRepository // Required: ledger store
	// Wake is optional; when set, a store notification ends the idle sleep early.
	Wake    ledger.Notifier
	Config  ResultNotifierConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// ResultNotifier drains successful records into a stream and marks each one
// notified right after it is emitted.
type ResultNotifier struct {
	repo    core.LedgerRepository
	wake    ledger.Notifier
	config  ResultNotifierConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewResultNotifier constructs a new ResultNotifier.
func NewResultNotifier(opts ResultNotifierOptions) (*ResultNotifier, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultNotifierInterval
	}
	if cfg.UpdatedBy == "" {
		cfg.UpdatedBy = notifierActor
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultNotifier{
		repo:    opts.Repo,
		wake:    opts.Wake,
		config:  cfg,
		logger:  logger.With("component", "result_notifier"),
		metrics: opts.Metrics,
	}, nil
}

// Stream runs drain cycles until ctx is done or sink fails. A cycle that
// emits nothing sends a heartbeat. Cancellation returns nil.
func (n *ResultNotifier) Stream(ctx context.Context, sink ResultSink) error {
	var wake <-chan struct{}
	if n.wake != nil {
		unsub, ch := n.wake.Subscribe(ledger.ChannelSuccessful)
		defer unsub()
		wake = ch
	}

	for {
		emitted, err := n.Drain(ctx, sink)
		var se *sinkError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &se):
			return se.err
		case err != nil:
			// Store errors are transient for a stream; retry next cycle.
			emitted = 0
		}
		if emitted == 0 {
			if err := sink.Heartbeat(ctx); err != nil {
				return err
			}
		}

		timer := time.NewTimer(n.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				// Wake-ups were stopped; keep polling at the interval.
				wake = nil
				if !n.sleep(ctx) {
					return nil
				}
			}
		case <-timer.C:
		}
	}
}

// sleep waits one interval and reports false when ctx ended first.
func (n *ResultNotifier) sleep(ctx context.Context) bool {
	timer := time.NewTimer(n.config.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Drain emits every currently successful record once, oldest first.
// Records whose status changed after the read are still emitted; marking
// them notified is then a no-op.
func (n *ResultNotifier) Drain(ctx context.Context, sink ResultSink) (int, error) {
	recs, err := n.repo.List(ctx, model.RecordFilter{
		Statuses: []model.LedgerStatus{model.LedgerStatusSuccessful},
		Columns:  []string{model.ColumnID, model.ColumnCreatedBy, model.ColumnOutput},
		Limit:    n.config.BatchSize,
		Oldest:   true,
	})
	if err != nil {
		n.logger.WarnContext(ctx, "list successful records failed", "error", err)
		return 0, err
	}

	emitted := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		ev := model.ResultEvent{ID: rec.ID, User: rec.CreatedBy, Response: rec.Output}
		if err := sink.Event(ctx, ev); err != nil {
			return emitted, &sinkError{err: err}
		}
		emitted++
		if n.metrics != nil {
			n.metrics.Count(metrics.NotifierEmitted, 1, nil)
		}
		if _, err := n.repo.MarkNotified(ctx, rec.ID, n.config.UpdatedBy); err != nil {
			n.logger.WarnContext(ctx, "mark notified failed", "record_id", rec.ID, "error", err)
		}
	}
	return emitted, nil
}

// sinkError marks a failure writing to the consumer, which ends the stream.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "write result: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }
