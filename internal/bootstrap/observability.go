package bootstrap

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// Sink fans out to every enabled backend; it is never nil.
	Sink          statsd.Sink
	Statsd        *statsd.Client
	Registry      *prometheus.Registry
	MetricsConfig config.ObservabilityMetricsConfig
}

// Close flushes and closes the StatsD connection.
func (o ObservabilityContainer) Close() error {
	if o.Statsd == nil {
		return nil
	}
	return o.Statsd.Close()
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	out := ObservabilityContainer{MetricsConfig: cfg.Metrics}
	var sinks statsd.Multi

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.StatsdPrefix,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn("statsd disabled", "error", err)
		} else {
			out.Statsd = client
			sinks = append(sinks, client)
			logger.Info("statsd metrics enabled", "addr", cfg.Metrics.StatsdAddress, "prefix", cfg.Metrics.StatsdPrefix)
		}
	}

	if cfg.Metrics.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		out.Registry = reg
		sinks = append(sinks, metrics.NewPromSink(reg))
	}

	switch len(sinks) {
	case 0:
		out.Sink = statsd.Nop{}
	case 1:
		out.Sink = sinks[0]
	default:
		out.Sink = sinks
	}
	return out
}
