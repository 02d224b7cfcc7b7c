// Package metrics names and emits the ledger's lifecycle metrics.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/mmk-ledger/internal/observability/errors"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

// Result tags.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metric names.
const (
	RecordTransition = "ledger.record.transition"
	RecordDuration   = "ledger.record.duration"
	DispatchPublish  = "ledger.dispatch.publish"
	WatchdogRecords  = "ledger.watchdog.records"
	WatchdogScan     = "ledger.watchdog.scan"
	NotifierEmitted  = "ledger.notifier.emitted"
	StoreRecords     = "ledger.store.records"
)

// RecordMetric describes one record lifecycle event.
type RecordMetric struct {
	EventType  string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitRecordLifecycle counts a transition and, when timed, records its duration.
func EmitRecordLifecycle(sink statsd.Sink, in RecordMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"event_type": in.EventType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count(RecordTransition, 1, tags)
	if in.Duration > 0 {
		sink.Timing(RecordDuration, in.Duration, CloneTags(tags))
	}
}

// EmitPublish counts one dispatch publish attempt.
func EmitPublish(sink statsd.Sink, source string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"source": source, "result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Count(DispatchPublish, 1, tags)
}

// ScanMetric summarizes one watchdog tick.
type ScanMetric struct {
	Reclaimed   int
	Exhausted   int
	Republished int
	Failed      int
	Skipped     bool
	Duration    time.Duration
	Err         error
}

// EmitWatchdogScan records the outcome of one watchdog tick.
func EmitWatchdogScan(sink statsd.Sink, in ScanMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case in.Skipped:
		result = ResultNoop
	}
	sink.Count(WatchdogScan, 1, map[string]string{"result": result})
	for outcome, n := range map[string]int{
		"reclaimed":      in.Reclaimed,
		"exhausted":      in.Exhausted,
		"republished":    in.Republished,
		"publish_failed": in.Failed,
	} {
		if n > 0 {
			sink.Count(WatchdogRecords, int64(n), map[string]string{"outcome": outcome})
		}
	}
	if in.Duration > 0 {
		sink.Timing(WatchdogScan, in.Duration, map[string]string{"result": result})
	}
}

// EmitStoreGauges publishes per-status record counts.
func EmitStoreGauges(sink statsd.Sink, counts map[string]int) {
	if sink == nil {
		return
	}
	for status, n := range counts {
		sink.Gauge(StoreRecords, float64(n), map[string]string{"status": status})
	}
}

// CloneTags returns a shallow copy of src, or nil when src is empty.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
