package bootstrap

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/adapters/compute"
	"github.com/target/mmk-ledger/internal/adapters/jobrunner"
	"github.com/target/mmk-ledger/internal/adapters/kafka"
	"github.com/target/mmk-ledger/internal/adapters/memqueue"
	"github.com/target/mmk-ledger/internal/adapters/reaper"
	redisbridge "github.com/target/mmk-ledger/internal/adapters/redis"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/observability/statsd"
	"github.com/target/mmk-ledger/internal/service"
)

// DispatcherConfig contains what BuildDispatcher needs to reach a broker.
type DispatcherConfig struct {
	Dispatch    config.DispatchConfig
	Kafka       config.KafkaConfig
	RedisClient redis.UniversalClient
	WorkerID    string
	Logger      *slog.Logger
}

// BuildDispatcher returns the broker bridge selected by DISPATCH_DRIVER.
//
//nolint:ireturn // the driver is chosen at runtime.
func BuildDispatcher(cfg DispatcherConfig) (core.Dispatcher, error) {
	switch cfg.Dispatch.Driver {
	case config.DispatchDriverMemory:
		return memqueue.New(cfg.Dispatch.MemoryCapacity, cfg.Dispatch.Lease), nil
	case config.DispatchDriverKafka:
		b, err := kafka.NewBridge(kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			ClientID: cfg.Kafka.ClientID,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka bridge: %w", err)
		}
		return b, nil
	case config.DispatchDriverRedis:
		if cfg.RedisClient == nil {
			return nil, errors.New("redis dispatch requires a redis client")
		}
		return redisbridge.NewStreamBridge(cfg.RedisClient, redisbridge.StreamBridgeOptions{
			Stream:   cfg.Dispatch.Stream,
			Group:    cfg.Dispatch.Group,
			Consumer: cmp.Or(cfg.Dispatch.Consumer, cfg.WorkerID),
			Lease:    cfg.Dispatch.Lease,
			Logger:   cfg.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown dispatch driver %q", cfg.Dispatch.Driver)
	}
}

// BuildComputer creates the compute client from COMPUTE_* settings.
func BuildComputer(cfg config.ComputeConfig) (*compute.Client, error) {
	ccfg := compute.Config{
		BaseURL:      cfg.URL,
		Model:        cfg.Model,
		OutputExpr:   cfg.OutputExpr,
		PromptPrefix: cfg.PromptPrefix,
		Timeout:      cfg.Timeout,
		RetryLimit:   cfg.RetryLimit,
	}
	if cfg.OAuthEnabled() {
		ccfg.OAuth = &compute.OAuthConfig{
			TokenURL:     cfg.OAuthTokenURL,
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Scopes:       cfg.OAuthScopes,
		}
	}
	c, err := compute.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("create compute client: %w", err)
	}
	return c, nil
}

// WorkerID resolves the identity written to updated_by by this process.
func WorkerID(cfg config.WorkerConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ledger"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// WorkerRunConfig contains configuration for the record worker.
type WorkerRunConfig struct {
	Repo       core.LedgerRepository
	Dispatcher core.Dispatcher
	Computer   core.Computer
	Logger     *slog.Logger
	Metrics    statsd.Sink
	Compute    config.ComputeConfig
	Worker     config.WorkerConfig
	WorkerID   string
}

// RunWorker starts the dispatch consumer.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	w, err := jobrunner.NewWorker(jobrunner.WorkerOptions{
		Repo:           cfg.Repo,
		Dispatcher:     cfg.Dispatcher,
		Computer:       cfg.Computer,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		Concurrency:    cfg.Worker.Concurrency,
		ComputeTimeout: cfg.Compute.CallBudget(),
		WorkerID:       cfg.WorkerID,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if runErr := w.Run(ctx); runErr != nil {
		return fmt.Errorf("run worker: %w", runErr)
	}
	return nil
}

// WatchdogRunConfig contains configuration for the watchdog runner.
type WatchdogRunConfig struct {
	Repo       core.LedgerRepository
	Dispatcher core.Dispatcher
	Logger     *slog.Logger
	Metrics    statsd.Sink
	Ledger     config.LedgerConfig
	Watchdog   config.WatchdogConfig
	WorkerID   string
}

// NewWatchdogRunner wires a reaper runner from configuration.
func NewWatchdogRunner(cfg WatchdogRunConfig) (*reaper.Runner, error) {
	r, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:       cfg.Repo,
		Dispatcher: cfg.Dispatcher,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Config: service.WatchdogConfig{
			Interval:     cfg.Watchdog.Interval,
			JobTimeout:   cfg.Ledger.JobTimeout,
			MaxAttempts:  cfg.Ledger.MaxAttempts,
			BatchSize:    cfg.Watchdog.BatchSize,
			RepublishRPS: cfg.Watchdog.RepublishRPS,
			UpdatedBy:    cfg.WorkerID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create watchdog runner: %w", err)
	}
	return r, nil
}

// RunWatchdog starts the reconciliation loop.
func RunWatchdog(ctx context.Context, cfg WatchdogRunConfig) error {
	r, err := NewWatchdogRunner(cfg)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
