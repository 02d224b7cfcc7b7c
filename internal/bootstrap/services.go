package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/domain/ledger"
	"github.com/target/mmk-ledger/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Ledger   *service.LedgerService
	Notifier *service.ResultNotifier
	// Wake is the store-notification fan-out behind Notifier; nil when the
	// store cannot raise notifications.
	Wake          ledger.Notifier
	Repo          core.LedgerRepository
	Dispatcher    core.Dispatcher
	Observability ObservabilityContainer
	WorkerID      string
}

// ServiceDeps contains the infrastructure NewServices wires together.
type ServiceDeps struct {
	Config     *config.AppConfig
	Store      *Store
	Dispatcher core.Dispatcher
	Logger     *slog.Logger
}

// NewServices builds the foreground services and observability sinks.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.Store == nil {
		return ServiceContainer{}, errors.New("service deps, config and store are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	obs := buildObservability(logger, cfg.Observability)
	workerID := WorkerID(cfg.Worker)

	ledgerSvc, err := service.NewLedgerService(service.LedgerServiceOptions{
		Repo:       deps.Store.Repo,
		Dispatcher: deps.Dispatcher,
		Logger:     logger,
		Metrics:    obs.Sink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create ledger service: %w", err)
	}

	wake := buildWake(cfg.Notifier, deps.Store, logger)
	notifier, err := service.NewResultNotifier(service.ResultNotifierOptions{
		Repo: deps.Store.Repo,
		Wake: wake,
		Config: service.ResultNotifierConfig{
			Interval:  cfg.Notifier.Interval,
			BatchSize: cfg.Notifier.BatchSize,
			UpdatedBy: workerID,
		},
		Logger:  logger,
		Metrics: obs.Sink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create result notifier: %w", err)
	}

	return ServiceContainer{
		Ledger:        ledgerSvc,
		Notifier:      notifier,
		Wake:          wake,
		Repo:          deps.Store.Repo,
		Dispatcher:    deps.Dispatcher,
		Observability: obs,
		WorkerID:      workerID,
	}, nil
}

//nolint:ireturn // nil when the store cannot raise notifications.
func buildWake(cfg config.NotifierConfig, store *Store, logger *slog.Logger) ledger.Notifier {
	if !cfg.ListenWake || store.Waiter == nil {
		return nil
	}
	n, err := ledger.NewNotifier(ledger.NotifierOptions{Waiter: store.Waiter})
	if err != nil {
		logger.Warn("result stream wake-ups disabled", "error", err)
		return nil
	}
	return n
}
