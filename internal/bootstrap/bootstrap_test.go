package bootstrap

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/config"
	"github.com/target/mmk-ledger/internal/adapters/memqueue"
	"github.com/target/mmk-ledger/internal/observability/metrics"
	"github.com/target/mmk-ledger/internal/observability/statsd"
)

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), config.StoreDriverSQLite, DatabaseConfig{
		SQLiteConfig: config.SQLiteConfig{Path: ":memory:"},
		Logger:       slog.New(slog.DiscardHandler),
	}, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenStore_SQLite(t *testing.T) {
	store := openMemoryStore(t)
	assert.Equal(t, config.StoreDriverSQLite, store.Driver)
	assert.Nil(t, store.Waiter)
	require.NoError(t, store.Repo.Ping(context.Background()))
}

func TestBuildDispatcher(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		d, err := BuildDispatcher(DispatcherConfig{Dispatch: config.DispatchConfig{Driver: config.DispatchDriverMemory}})
		require.NoError(t, err)
		assert.IsType(t, &memqueue.Bridge{}, d)
		require.NoError(t, d.Close())
	})
	t.Run("redis without client", func(t *testing.T) {
		_, err := BuildDispatcher(DispatcherConfig{Dispatch: config.DispatchConfig{Driver: config.DispatchDriverRedis}})
		require.Error(t, err)
	})
	t.Run("kafka without brokers", func(t *testing.T) {
		_, err := BuildDispatcher(DispatcherConfig{Dispatch: config.DispatchConfig{Driver: config.DispatchDriverKafka}})
		require.Error(t, err)
	})
	t.Run("unknown", func(t *testing.T) {
		_, err := BuildDispatcher(DispatcherConfig{Dispatch: config.DispatchConfig{Driver: "sqs"}})
		require.ErrorContains(t, err, "unknown dispatch driver")
	})
}

func TestBuildComputer(t *testing.T) {
	c, err := BuildComputer(config.ComputeConfig{URL: "http://localhost:11434", Model: "m", OutputExpr: "response"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = BuildComputer(config.ComputeConfig{Model: "m"})
	require.Error(t, err)
}

func TestWorkerID(t *testing.T) {
	assert.Equal(t, "w-1", WorkerID(config.WorkerConfig{ID: "w-1"}))
	assert.NotEmpty(t, WorkerID(config.WorkerConfig{}))
}

func TestBuildObservability(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	off := buildObservability(logger, config.ObservabilityConfig{})
	assert.IsType(t, statsd.Nop{}, off.Sink)
	assert.Nil(t, off.Registry)

	prom := buildObservability(logger, config.ObservabilityConfig{
		Metrics: config.ObservabilityMetricsConfig{PrometheusEnabled: true},
	})
	require.NotNil(t, prom.Registry)
	prom.Sink.Count(metrics.NotifierEmitted, 2, nil)
	require.NoError(t, testutil.GatherAndCompare(prom.Registry, strings.NewReader(`
# HELP ledger_notifier_emitted_total Result events streamed to clients.
# TYPE ledger_notifier_emitted_total counter
ledger_notifier_emitted_total 2
`), "ledger_notifier_emitted_total"))
}

func TestHTTPServer_ShutdownEndsStreams(t *testing.T) {
	store := openMemoryStore(t)
	cfg := &config.AppConfig{Services: "http"}
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Notifier.Interval = 20 * time.Millisecond
	cfg.Notifier.BatchSize = 10
	logger := slog.New(slog.DiscardHandler)

	svcs, err := NewServices(&ServiceDeps{
		Config:     cfg,
		Store:      store,
		Dispatcher: memqueue.New(8, time.Second),
		Logger:     logger,
	})
	require.NoError(t, err)

	server, err := StartHTTPServer(&HTTPServerConfig{Config: cfg, Services: svcs, Logger: logger})
	require.NoError(t, err)
	base := "http://" + server.Addr

	health, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	stream, err := http.Get(base + "/api/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	line, err := bufio.NewReader(stream.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ":"), "expected heartbeat, got %q", line)

	done := make(chan error, 1)
	go func() {
		done <- ShutdownHTTPServer(ShutdownConfig{Server: server, Wake: svcs.Wake, Logger: logger})
	}()

	_, _ = io.Copy(io.Discard, stream.Body)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on an open stream")
	}
}
