package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

// PromSink maps the ledger's named metrics onto Prometheus collectors so the
// same emit calls feed both StatsD and /metrics. Unknown names are ignored.
type PromSink struct {
	transitions *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	publishes   *prometheus.CounterVec
	scans       *prometheus.CounterVec
	scanSeconds prometheus.Histogram
	watchdog    *prometheus.CounterVec
	emitted     prometheus.Counter
	records     *prometheus.GaugeVec
}

var _ statsd.Sink = (*PromSink)(nil)

// NewPromSink creates and registers the ledger collectors on reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ledger_record_transitions_total", Help: "Record lifecycle transitions."},
			[]string{"event_type", "transition", "result", "error_class"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_record_duration_seconds",
				Help:    "Time from delivery to terminal write.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"event_type", "transition", "result"},
		),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ledger_dispatch_publish_total", Help: "Dispatch publish attempts."},
			[]string{"source", "result"},
		),
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ledger_watchdog_scans_total", Help: "Watchdog ticks."},
			[]string{"result"},
		),
		scanSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_watchdog_scan_seconds",
			Help:    "Watchdog tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		watchdog: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ledger_watchdog_records_total", Help: "Records handled by the watchdog."},
			[]string{"outcome"},
		),
		emitted: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ledger_notifier_emitted_total", Help: "Result events streamed to clients."},
		),
		records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ledger_records", Help: "Records per status."},
			[]string{"status"},
		),
	}
	reg.MustRegister(s.transitions, s.durations, s.publishes, s.scans, s.scanSeconds, s.watchdog, s.emitted, s.records)
	return s
}

func (s *PromSink) Count(name string, value int64, tags map[string]string) {
	v := float64(value)
	switch name {
	case RecordTransition:
		s.transitions.WithLabelValues(tags["event_type"], tags["transition"], tags["result"], tags["error_class"]).Add(v)
	case DispatchPublish:
		s.publishes.WithLabelValues(tags["source"], tags["result"]).Add(v)
	case WatchdogScan:
		s.scans.WithLabelValues(tags["result"]).Add(v)
	case WatchdogRecords:
		s.watchdog.WithLabelValues(tags["outcome"]).Add(v)
	case NotifierEmitted:
		s.emitted.Add(v)
	}
}

func (s *PromSink) Gauge(name string, value float64, tags map[string]string) {
	if name == StoreRecords {
		s.records.WithLabelValues(tags["status"]).Set(value)
	}
}

func (s *PromSink) Timing(name string, value time.Duration, tags map[string]string) {
	switch name {
	case RecordDuration:
		s.durations.WithLabelValues(tags["event_type"], tags["transition"], tags["result"]).Observe(value.Seconds())
	case WatchdogScan:
		s.scanSeconds.Observe(value.Seconds())
	}
}
