package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/core"
)

// ServiceOrchestrationConfig is what RunServicesWithShutdown runs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	// Computer is required when the worker is enabled.
	Computer core.Computer
	Logger   *slog.Logger
}

// shutdownWaitTimeout bounds each stage of a graceful stop.
const shutdownWaitTimeout = 15 * time.Second

type runningService struct {
	name string
	done <-chan struct{}
}

// serviceRuntime tracks what one RunServicesWithShutdown call started.
type serviceRuntime struct {
	cfg     *ServiceOrchestrationConfig
	logger  *slog.Logger
	enabled map[config.ServiceMode]bool
	errCh   chan error

	server  *http.Server
	running []runningService
}

// RunServicesWithShutdown starts every enabled service and blocks until
// SIGINT/SIGTERM or the first service failure, then stops them in order:
// HTTP (which ends open streams), then the background loops. Records a
// stopped worker leaves in progress are reclaimed by a later watchdog pass.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	rt := &serviceRuntime{
		cfg:     cfg,
		logger:  logger,
		enabled: enabled,
		errCh:   make(chan error, errorChannelBufferSize(enabled)),
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	svcCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.start(svcCtx)

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("shutting down services", "reason", "signal")
	case runErr = <-rt.errCh:
		logger.Error("service error", "error", runErr)
	}
	cancel()

	if stopErr := rt.stop(); stopErr != nil {
		if runErr == nil {
			return stopErr
		}
		logger.Error("graceful stop failed", "error", stopErr)
	}
	return runErr
}

func (rt *serviceRuntime) start(ctx context.Context) {
	if rt.enabled[config.ServiceModeHTTP] {
		server, err := StartHTTPServer(&HTTPServerConfig{
			Config:   rt.cfg.Config,
			Services: rt.cfg.Services,
			Logger:   rt.logger,
			ErrCh:    rt.errCh,
		})
		if err != nil {
			rt.errCh <- fmt.Errorf("http server failed: %w", err)
		} else {
			rt.server = server
		}
	}

	c := rt.cfg
	if rt.enabled[config.ServiceModeWorker] {
		rt.launch(ctx, "worker", func(ctx context.Context) error {
			return RunWorker(ctx, WorkerRunConfig{
				Repo:       c.Services.Repo,
				Dispatcher: c.Services.Dispatcher,
				Computer:   c.Computer,
				Logger:     rt.logger,
				Metrics:    c.Services.Observability.Sink,
				Compute:    c.Config.Compute,
				Worker:     c.Config.Worker,
				WorkerID:   c.Services.WorkerID,
			})
		})
	}
	if rt.enabled[config.ServiceModeWatchdog] {
		rt.launch(ctx, "watchdog", func(ctx context.Context) error {
			return RunWatchdog(ctx, WatchdogRunConfig{
				Repo:       c.Services.Repo,
				Dispatcher: c.Services.Dispatcher,
				Logger:     rt.logger,
				Metrics:    c.Services.Observability.Sink,
				Ledger:     c.Config.Ledger,
				Watchdog:   c.Config.Watchdog,
				WorkerID:   c.Services.WorkerID,
			})
		})
	}
}

// launch runs fn in the background and reports a non-nil error without blocking.
func (rt *serviceRuntime) launch(ctx context.Context, name string, fn func(context.Context) error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case rt.errCh <- fmt.Errorf("%s failed: %w", name, err):
		default:
			rt.logger.WarnContext(ctx, "dropping background service error", "service", name, "error", err)
		}
	}()
	rt.running = append(rt.running, runningService{name: name, done: done})
	rt.logger.InfoContext(ctx, "background service started", "service", name)
}

func (rt *serviceRuntime) stop() error {
	wake := rt.cfg.Services.Wake
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: ctx,
			Server:  rt.server,
			Wake:    wake,
			Logger:  rt.logger,
		}); err != nil {
			return err
		}
	} else if wake != nil {
		wake.StopAll()
	}

	for _, svc := range rt.running {
		select {
		case <-svc.done:
			rt.logger.Info("service stopped", "service", svc.name)
		case <-time.After(shutdownWaitTimeout):
			rt.logger.Warn("timed out waiting for service", "service", svc.name)
		}
	}
	return nil
}

// errorChannelCapacity counts the enabled services that may report a failure.
func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	n := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			n++
		}
	}
	return n
}

// errorChannelBufferSize leaves room for a startup failure on top of the running services.
func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}
