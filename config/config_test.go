package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - worker",
			input:    "worker",
			expected: map[ServiceMode]bool{ServiceModeWorker: true},
		},
		{
			name:  "all services with spaces and case",
			input: " http , Worker , watchdog ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:     true,
				ServiceModeWorker:   true,
				ServiceModeWatchdog: true,
			},
		},
		{
			name:     "duplicate services",
			input:    "watchdog,watchdog",
			expected: map[ServiceMode]bool{ServiceModeWatchdog: true},
		},
		{
			name:        "empty string",
			input:       "",
			expected:    map[ServiceMode]bool{},
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "invalid service",
			input:       "http,scheduler",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		services string
		http     bool
		worker   bool
		watchdog bool
	}{
		{"http", true, false, false},
		{"worker,watchdog", false, true, true},
		{"http,worker,watchdog", true, true, true},
		{"bogus", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.services, func(t *testing.T) {
			cfg := &AppConfig{Services: tt.services}
			if got := cfg.IsHTTPServerEnabled(); got != tt.http {
				t.Errorf("IsHTTPServerEnabled() = %v, want %v", got, tt.http)
			}
			if got := cfg.IsWorkerEnabled(); got != tt.worker {
				t.Errorf("IsWorkerEnabled() = %v, want %v", got, tt.worker)
			}
			if got := cfg.IsWatchdogEnabled(); got != tt.watchdog {
				t.Errorf("IsWatchdogEnabled() = %v, want %v", got, tt.watchdog)
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Services != "http,worker,watchdog" {
		t.Errorf("Services = %q", cfg.Services)
	}
	if cfg.Store.Driver != StoreDriverPostgres {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Dispatch.Driver != DispatchDriverRedis || cfg.Dispatch.Stream != "ledger:dispatch" {
		t.Errorf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	want := LedgerConfig{MaxAttempts: 3, JobTimeout: 5 * time.Minute}
	if cfg.Ledger != want {
		t.Errorf("Ledger = %+v, want %+v", cfg.Ledger, want)
	}
	if cfg.Watchdog.Interval != 30*time.Second || cfg.Watchdog.RepublishRPS != 50 {
		t.Errorf("unexpected watchdog config: %+v", cfg.Watchdog)
	}
	if cfg.Notifier.Interval != 3*time.Second {
		t.Errorf("Notifier.Interval = %v", cfg.Notifier.Interval)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Compute.OutputExpr != "response" || cfg.Compute.Timeout != 60*time.Second {
		t.Errorf("unexpected compute config: %+v", cfg.Compute)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
}

func TestAppConfig_ParseEnv(t *testing.T) {
	t.Setenv("APP_SERVICES", "worker")
	t.Setenv("LEDGER_STORE", "SQLite")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("DISPATCH_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("KAFKA_TOPIC", "jobs")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "5")
	t.Setenv("LEDGER_JOB_TIMEOUT", "90s")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("COMPUTE_URL", "http://llm:11434/")
	t.Setenv("COMPUTE_OAUTH_TOKEN_URL", "https://idp/token")
	t.Setenv("COMPUTE_OAUTH_CLIENT_ID", "ledger")
	t.Setenv("COMPUTE_OAUTH_SCOPES", "a,b")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Store.Driver != StoreDriverSQLite || cfg.SQLite.Path != ":memory:" {
		t.Errorf("unexpected store: %+v %+v", cfg.Store, cfg.SQLite)
	}
	if cfg.Dispatch.Driver != DispatchDriverKafka {
		t.Errorf("Dispatch.Driver = %q", cfg.Dispatch.Driver)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Ledger.MaxAttempts != 5 || cfg.Ledger.JobTimeout != 90*time.Second {
		t.Errorf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Compute.URL != "http://llm:11434" {
		t.Errorf("Compute.URL = %q", cfg.Compute.URL)
	}
	if !cfg.Compute.OAuthEnabled() || !reflect.DeepEqual(cfg.Compute.OAuthScopes, []string{"a", "b"}) {
		t.Errorf("unexpected oauth config: %+v", cfg.Compute)
	}
}

func TestSanitize_Guardrails(t *testing.T) {
	cfg := AppConfig{
		Store:    StoreConfig{Driver: "mongo"},
		Dispatch: DispatchConfig{Driver: "nats"},
		HTTP:     HTTPConfig{MaxConns: -1, RateLimitRPS: 10},
		Ledger:   LedgerConfig{MaxAttempts: 0},
		Worker:   WorkerConfig{Concurrency: 1000},
		Watchdog: WatchdogConfig{Interval: time.Millisecond},
		Notifier: NotifierConfig{Interval: 0},
	}
	cfg.Sanitize()

	if cfg.Store.Driver != StoreDriverPostgres {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Dispatch.Driver != DispatchDriverRedis {
		t.Errorf("Dispatch.Driver = %q", cfg.Dispatch.Driver)
	}
	if cfg.HTTP.MaxConns != 0 || cfg.HTTP.RateLimitBurst != 10 {
		t.Errorf("unexpected http config: %+v", cfg.HTTP)
	}
	if cfg.Ledger.MaxAttempts != 1 {
		t.Errorf("Ledger.MaxAttempts = %d", cfg.Ledger.MaxAttempts)
	}
	if cfg.Worker.Concurrency != 256 {
		t.Errorf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Watchdog.Interval != time.Second {
		t.Errorf("Watchdog.Interval = %v", cfg.Watchdog.Interval)
	}
	if cfg.Notifier.Interval != 3*time.Second {
		t.Errorf("Notifier.Interval = %v", cfg.Notifier.Interval)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{Enabled: true, StatsdAddress: "   "}
	cfg.Sanitize()
	if cfg.IsEnabled() {
		t.Fatal("expected metrics disabled without an address")
	}

	cfg = ObservabilityMetricsConfig{Enabled: true, StatsdAddress: " 127.0.0.1:8125 "}
	cfg.Sanitize()
	if !cfg.IsEnabled() || cfg.StatsdAddress != "127.0.0.1:8125" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLogConfig_Parse(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", " TEXT ")

	var cfg LogConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse log config: %v", err)
	}
	cfg.Sanitize()
	if cfg.Level != slog.LevelDebug || cfg.Format != LogFormatText {
		t.Fatalf("unexpected log config: %+v", cfg)
	}

	cfg = LogConfig{Format: "yaml"}
	cfg.Sanitize()
	if cfg.Format != LogFormatJSON {
		t.Fatalf("unknown format should fall back to json, got %q", cfg.Format)
	}
}

func TestComputeConfig_CallBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  ComputeConfig
		want time.Duration
	}{
		{name: "no retries", cfg: ComputeConfig{Timeout: time.Minute}, want: time.Minute},
		{name: "negative retries", cfg: ComputeConfig{Timeout: time.Minute, RetryLimit: -3}, want: time.Minute},
		{name: "defaults", cfg: ComputeConfig{Timeout: 60 * time.Second, RetryLimit: 2}, want: 180*time.Second + 600*time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.CallBudget(); got != tt.want {
				t.Errorf("CallBudget() = %s, want %s", got, tt.want)
			}
		})
	}
}
