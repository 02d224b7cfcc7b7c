package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/target/mmk-ledger/config"
)

// InitLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default. It runs before LoadConfig so config
// errors are logged in the configured shape; bad values fall back to JSON at INFO.
func InitLogger() *slog.Logger {
	_ = loadDotEnv()
	var cfg config.LogConfig
	if err := env.Parse(&cfg); err != nil {
		cfg = config.LogConfig{Level: slog.LevelInfo}
	}
	cfg.Sanitize()
	logger := NewLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns a JSON or text logger writing to w at cfg.Level.
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// loadDotEnv reads .env when present. Variables already set win.
func loadDotEnv() error {
	err := godotenv.Load()
	var pathErr *os.PathError
	if err != nil && !errors.As(err, &pathErr) {
		return fmt.Errorf("load .env file: %w", err)
	}
	return nil
}

// LoadConfig reads AppConfig from the environment (and .env) and sanitizes it.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig checks that at least one service runs and that each
// enabled service has what it needs.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}

	// An in-process queue is only visible to consumers in this process.
	if cfg.Dispatch.Driver == config.DispatchDriverMemory && !services[config.ServiceModeWorker] {
		return errors.New("memory dispatch requires the worker service in the same process")
	}
	if services[config.ServiceModeWorker] && cfg.Compute.URL == "" {
		return errors.New("worker service requires COMPUTE_URL")
	}
	// A call outliving LEDGER_JOB_TIMEOUT would be reclaimed while still running.
	if budget := cfg.Compute.CallBudget(); services[config.ServiceModeWorker] &&
		cfg.Ledger.JobTimeout > 0 && budget >= cfg.Ledger.JobTimeout {
		return fmt.Errorf("compute budget %s (COMPUTE_TIMEOUT x (COMPUTE_RETRY_LIMIT+1) plus backoff) must be below LEDGER_JOB_TIMEOUT %s",
			budget, cfg.Ledger.JobTimeout)
	}
	return nil
}

// GetEnabledServices lists enabled service names in sorted order; invalid
// configuration yields an empty list.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return []string{}
	}
	enabled := make([]string, 0, len(services))
	for svc, on := range services {
		if on {
			enabled = append(enabled, string(svc))
		}
	}
	slices.Sort(enabled)
	return enabled
}
