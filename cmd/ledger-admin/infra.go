package main

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/bootstrap"
	"github.com/target/mmk-ledger/internal/core"
	"github.com/target/mmk-ledger/internal/service"
)

type connectInfraOptions struct {
	// Migrate applies Postgres migrations on open; SQLite always migrates.
	Migrate        bool
	WantDispatcher bool
}

// infra holds the connections a command opened; Close releases them all.
type infra struct {
	store       *bootstrap.Store
	redisClient redis.UniversalClient
	dispatcher  core.Dispatcher
}

var errMemoryDispatch = errors.New("memory dispatch cannot reach workers in another process")

// connectInfra wires up infrastructure dependencies based on command needs.
func connectInfra(cmdCtx *commandContext, opts connectInfraOptions) (*infra, error) {
	cfg := &cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:     cfg.Postgres,
		SQLiteConfig: cfg.SQLite,
		RedisConfig:  cfg.Redis,
		Logger:       cmdCtx.Logger,
	}

	store, err := bootstrap.OpenStore(cmdCtx.Ctx, cfg.Store.Driver, dbCfg, opts.Migrate)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	out := &infra{store: store}
	if !opts.WantDispatcher {
		return out, nil
	}

	if cfg.Dispatch.Driver == config.DispatchDriverMemory {
		return nil, errors.Join(errMemoryDispatch, out.Close())
	}
	if cfg.Dispatch.Driver == config.DispatchDriverRedis {
		out.redisClient, err = bootstrap.ConnectRedis(dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), out.Close())
		}
	}
	out.dispatcher, err = bootstrap.BuildDispatcher(bootstrap.DispatcherConfig{
		Dispatch:    cfg.Dispatch,
		Kafka:       cfg.Kafka,
		RedisClient: out.redisClient,
		WorkerID:    adminActor(),
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(err, out.Close())
	}
	return out, nil
}

func (i *infra) ledger(cmdCtx *commandContext) (*service.LedgerService, error) {
	return service.NewLedgerService(service.LedgerServiceOptions{
		Repo:       i.store.Repo,
		Dispatcher: i.dispatcher,
		Logger:     cmdCtx.Logger,
	})
}

func (i *infra) Close() error {
	var closeErr error
	if i.dispatcher != nil {
		if err := i.dispatcher.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close dispatcher: %w", err))
		}
	}
	if i.redisClient != nil {
		if err := i.redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := i.store.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
	}
	return closeErr
}

// adminActor is written to updated_by for changes made from this tool.
func adminActor() string {
	return "ledger-admin@" + bootstrap.WorkerID(config.WorkerConfig{})
}
