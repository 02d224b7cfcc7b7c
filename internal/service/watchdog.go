package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/model"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
	"golang.org/x/time/rate"
)

// WatchdogConfig tunes the reconciliation loop.
type WatchdogConfig struct {
	Interval time.Duration
	// JobTimeout is how long a record may sit without an update before it is stale.
	JobTimeout   time.Duration
	MaxAttempts  int
	BatchSize    int
	RepublishRPS float64
	UpdatedBy    string
}

// Defaults for WatchdogConfig.
const (
	DefaultWatchdogInterval = 30 * time.Second
	DefaultJobTimeout       = 5 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultRepublishRPS     = 50
	watchdogActor           = "watchdog"
)

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultWatchdogInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RepublishRPS <= 0 {
		c.RepublishRPS = DefaultRepublishRPS
	}
	if c.UpdatedBy == "" {
		c.UpdatedBy = watchdogActor
	}
	return c
}

// WatchdogServiceOptions groups dependencies for WatchdogService.
type WatchdogServiceOptions struct {
	Repo       core.LedgerRepository // Required: ledger store
	Dispatcher core.Dispatcher       // Required: broker for republishing
	Config     WatchdogConfig
	Logger     *slog.Logger // Optional: structured logger
	Metrics    statsd.Sink  // Optional: metrics sink (StatsD-compatible)
}

// WatchdogService periodically resets stale records to pending and
// republishes them. Records at the attempt ceiling are forced to failed.
type WatchdogService struct {
	repo       core.LedgerRepository
	dispatcher core.Dispatcher
	config     WatchdogConfig
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    statsd.Sink
	now        func() time.Time
}

// NewWatchdogService constructs a new WatchdogService.
func NewWatchdogService(opts WatchdogServiceOptions) (*WatchdogService, error) {
	if opts.Repo == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	cfg := opts.Config.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "watchdog")
	logger.Debug("WatchdogService initialized",
		"interval", cfg.Interval,
		"job_timeout", cfg.JobTimeout,
		"max_attempts", cfg.MaxAttempts,
	)

	burst := max(int(cfg.RepublishRPS), 1)
	return &WatchdogService{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		config:     cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RepublishRPS), burst),
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}, nil
}

// Run scans at the configured interval until ctx is cancelled.
// Returns nil on graceful shutdown.
func (s *WatchdogService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting watchdog", "interval", s.config.Interval)

	waitWithJitter(ctx, s.config.Interval, s.logger)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logScanError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "watchdog stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logScanError(ctx, err)
			}
		}
	}
}

// ScanReport summarizes one watchdog tick.
type ScanReport struct {
	Reclaimed   []string
	Exhausted   []string
	Republished int
	// PublishFailed lists reclaimed ids whose republish failed; they stay
	// pending and are retried on a later tick.
	PublishFailed []string
	Skipped       bool
}

// RunOnce performs one reclaim scan and republishes every reclaimed id once.
func (s *WatchdogService) RunOnce(ctx context.Context) (*ScanReport, error) {
	start := time.Now()
	report := &ScanReport{}

	res, err := s.repo.Reclaim(ctx, model.ReclaimOptions{
		StaleBefore: s.now().UTC().Add(-s.config.JobTimeout),
		MaxAttempts: s.config.MaxAttempts,
		Limit:       s.config.BatchSize,
		UpdatedBy:   s.config.UpdatedBy,
	})
	if err != nil {
		metrics.EmitWatchdogScan(s.metrics, metrics.ScanMetric{Duration: time.Since(start), Err: err})
		return report, fmt.Errorf("reclaim: %w", err)
	}
	report.Reclaimed = res.Reclaimed
	report.Exhausted = res.Exhausted
	report.Skipped = res.Skipped

	for _, id := range res.Exhausted {
		s.logger.WarnContext(ctx, "record exhausted its attempts", "record_id", id, "max_attempts", s.config.MaxAttempts)
	}

	var pubErr error
	for _, id := range res.Reclaimed {
		if err := s.limiter.Wait(ctx); err != nil {
			pubErr = err
			break
		}
		err := s.dispatcher.Publish(ctx, id)
		metrics.EmitPublish(s.metrics, watchdogActor, err)
		if err != nil {
			report.PublishFailed = append(report.PublishFailed, id)
			s.logger.WarnContext(ctx, "republish failed; record stays pending", "record_id", id, "error", err)
			continue
		}
		report.Republished++
	}

	if n := len(res.Reclaimed) + len(res.Exhausted); n > 0 {
		s.logger.InfoContext(ctx, "watchdog scan",
			"reclaimed", len(res.Reclaimed),
			"exhausted", len(res.Exhausted),
			"republished", report.Republished,
		)
	}
	metrics.EmitWatchdogScan(s.metrics, metrics.ScanMetric{
		Reclaimed:   len(report.Reclaimed),
		Exhausted:   len(report.Exhausted),
		Republished: report.Republished,
		Failed:      len(report.PublishFailed),
		Skipped:     report.Skipped,
		Duration:    time.Since(start),
		Err:         pubErr,
	})
	if pubErr != nil {
		return report, fmt.Errorf("republish: %w", pubErr)
	}
	return report, nil
}

func (s *WatchdogService) logScanError(ctx context.Context, err error) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "watchdog scan cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "watchdog scan failed", "error", err)
}

// waitWithJitter sleeps a random delay up to 10% of interval so that
// instances started together do not scan in lockstep.
func waitWithJitter(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	maxJitter := int64(interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
