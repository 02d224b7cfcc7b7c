package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker consumes dispatched records. Run it in exactly one
	// deployment per consumer group.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeWatchdog runs the reconciliation loop.
	ServiceModeWatchdog ServiceMode = "watchdog"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeWatchdog}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.ToLower(strings.TrimSpace(part))
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeWatchdog:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, watchdog)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// LedgerConfig holds the state machine limits shared by the worker and watchdog.
type LedgerConfig struct {
	// MaxAttempts is the reclaim ceiling; stale records at it are forced to failed.
	MaxAttempts int `env:"LEDGER_MAX_ATTEMPTS" envDefault:"3"`
	// JobTimeout is how long a record may go without an update before the watchdog reclaims it.
	JobTimeout time.Duration `env:"LEDGER_JOB_TIMEOUT" envDefault:"5m"`
}

// Sanitize applies guardrails to ledger limits.
func (l *LedgerConfig) Sanitize() {
	if l.MaxAttempts < 1 {
		l.MaxAttempts = 1
	}
	if l.JobTimeout <= 0 {
		l.JobTimeout = 5 * time.Minute
	}
}

// WorkerConfig configures the record consumer.
type WorkerConfig struct {
	Concurrency int    `env:"WORKER_CONCURRENCY" envDefault:"1"`
	ID          string `env:"WORKER_ID"          envDefault:""`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Concurrency > 256 {
		w.Concurrency = 256
	}
}

// WatchdogConfig configures the reconciliation loop.
type WatchdogConfig struct {
	Interval     time.Duration `env:"WATCHDOG_INTERVAL"      envDefault:"30s"`
	BatchSize    int           `env:"WATCHDOG_BATCH_SIZE"    envDefault:"500"`
	RepublishRPS float64       `env:"WATCHDOG_REPUBLISH_RPS" envDefault:"50"`
}

// Sanitize applies guardrails to watchdog configuration values.
func (w *WatchdogConfig) Sanitize() {
	if w.Interval < time.Second {
		w.Interval = time.Second
	}
	if w.BatchSize < 1 {
		w.BatchSize = 500
	}
	if w.RepublishRPS <= 0 {
		w.RepublishRPS = 50
	}
}

// NotifierConfig configures result streaming.
type NotifierConfig struct {
	Interval  time.Duration `env:"NOTIFIER_INTERVAL"   envDefault:"3s"`
	BatchSize int           `env:"NOTIFIER_BATCH_SIZE" envDefault:"100"`
	// ListenWake wakes streams on Postgres notifications instead of waiting out the interval.
	ListenWake bool `env:"NOTIFIER_LISTEN_WAKE" envDefault:"true"`
}

// Sanitize applies guardrails to notifier configuration values.
func (n *NotifierConfig) Sanitize() {
	if n.Interval < 100*time.Millisecond {
		n.Interval = 3 * time.Second
	}
	if n.BatchSize < 1 {
		n.BatchSize = 100
	}
}
