// Package reaper runs the ledger watchdog next to a store gauge sampler.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
	"github.com/target/mmk-ledger/internal/service"
	"golang.org/x/sync/errgroup"
)

// DefaultStatsInterval is how often per-status record counts are sampled.
const DefaultStatsInterval = time.Minute

// Runner drives the watchdog loop and, when a metrics sink is present,
// publishes ledger.store.records gauges.
type Runner struct {
	watchdog      *service.WatchdogService
	repo          core.LedgerRepository
	logger        *slog.Logger
	metrics       statsd.Sink
	statsInterval time.Duration
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo       core.LedgerRepository
	Dispatcher core.Dispatcher
	Config     service.WatchdogConfig
	Logger     *slog.Logger

	// Optional.
	Metrics       statsd.Sink
	StatsInterval time.Duration
}

// NewRunner creates a new watchdog runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	wd, err := service.NewWatchdogService(service.WatchdogServiceOptions{
		Repo:       opts.Repo,
		Dispatcher: opts.Dispatcher,
		Config:     opts.Config,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire watchdog service: %w", err)
	}

	return &Runner{
		watchdog:      wd,
		repo:          opts.Repo,
		logger:        opts.Logger.With("component", "reaper"),
		metrics:       opts.Metrics,
		statsInterval: opts.StatsInterval,
	}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Repo == nil {
		return errors.New("ledger repository is required")
	}
	if opts.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	return nil
}

// Run starts the watchdog (and the gauge sampler) and runs until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.watchdog.Run(gctx) })
	if r.metrics != nil {
		g.Go(func() error { return r.sampleStats(gctx) })
	}
	return g.Wait()
}

// RunOnce performs a single reconciliation pass. The report is filled as far
// as the scan got, even when err is non-nil.
func (r *Runner) RunOnce(ctx context.Context) (service.ScanReport, error) {
	report, err := r.watchdog.RunOnce(ctx)
	if report == nil {
		report = &service.ScanReport{}
	}
	if err != nil {
		return *report, err
	}
	r.SampleStats(ctx)
	return *report, nil
}

func (r *Runner) sampleStats(ctx context.Context) error {
	ticker := time.NewTicker(r.statsInterval)
	defer ticker.Stop()

	r.SampleStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SampleStats(ctx)
		}
	}
}

// SampleStats publishes one set of per-status gauges. Failures are logged.
func (r *Runner) SampleStats(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "sample ledger stats failed", "error", err)
		}
		return
	}
	// Report every status so drained ones drop to zero.
	counts := make(map[string]int, len(model.AllLedgerStatuses))
	for _, status := range model.AllLedgerStatuses {
		counts[string(status)] = stats[status]
	}
	metrics.EmitStoreGauges(r.metrics, counts)
}
