package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/bootstrap"
	"github.com/target/mmk-ledger/internal/core"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	cfgPtr := &cfg

	logStartupInfo(ctx, logger, cfgPtr)

	if err = bootstrap.ValidateServiceConfig(cfgPtr); err != nil {
		return err
	}

	infra, err := initInfrastructure(ctx, cfgPtr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close infrastructure failed", "error", cerr)
		}
	}()

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:     cfgPtr,
		Store:      infra.store,
		Dispatcher: infra.dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := services.Observability.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close metrics failed", "error", cerr)
		}
	}()

	var computer core.Computer
	if cfg.IsWorkerEnabled() {
		c, cerr := bootstrap.BuildComputer(cfg.Compute)
		if cerr != nil {
			return cerr
		}
		computer = c
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   cfgPtr,
		Services: services,
		Computer: computer,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	attrs := []any{
		"store", cfg.Store.Driver,
		"dispatch", cfg.Dispatch.Driver,
		"enabled_services", bootstrap.GetEnabledServices(cfg),
	}
	if cfg.Store.Driver == config.StoreDriverSQLite {
		attrs = append(attrs, "sqlite_path", cfg.SQLite.Path)
	} else {
		attrs = append(attrs,
			"db_host", cfg.Postgres.Host,
			"db_port", cfg.Postgres.Port,
			"db_name", cfg.Postgres.Name,
		)
	}
	logger.InfoContext(ctx, "starting ledger service", attrs...)
}

type infrastructure struct {
	store       *bootstrap.Store
	redisClient redis.UniversalClient
	dispatcher  core.Dispatcher
}

// Close releases the dispatcher, Redis and the store, in that order.
func (i *infrastructure) Close() error {
	var errs []error
	if i.dispatcher != nil {
		if err := i.dispatcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if i.redisClient != nil {
		if err := i.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := i.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// initInfrastructure connects shared dependencies used by the service runtime.
func initInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*infrastructure, error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:     cfg.Postgres,
		SQLiteConfig: cfg.SQLite,
		RedisConfig:  cfg.Redis,
		Logger:       logger,
	}

	store, err := bootstrap.OpenStore(ctx, cfg.Store.Driver, dbCfg, cfg.Postgres.RunMigrationsOnStart)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.Store.Driver == config.StoreDriverPostgres && !cfg.Postgres.RunMigrationsOnStart {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}
	infra := &infrastructure{store: store}

	if cfg.Dispatch.Driver == config.DispatchDriverRedis {
		infra.redisClient, err = bootstrap.ConnectRedis(dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), infra.Close())
		}
	}

	infra.dispatcher, err = bootstrap.BuildDispatcher(bootstrap.DispatcherConfig{
		Dispatch:    cfg.Dispatch,
		Kafka:       cfg.Kafka,
		RedisClient: infra.redisClient,
		WorkerID:    bootstrap.WorkerID(cfg.Worker),
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Join(err, infra.Close())
	}
	return infra, nil
}
