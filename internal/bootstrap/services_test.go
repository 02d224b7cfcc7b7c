package bootstrap

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/config"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  1,
		},
		{
			name:  "worker and watchdog",
			modes: []config.ServiceMode{config.ServiceModeWorker, config.ServiceModeWatchdog},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: config.ValidServiceModes(),
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			if got := errorChannelBufferSize(enabled); got != tt.want+1 {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want+1)
			}
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	assert.Empty(t, GetEnabledServices(nil))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))
	assert.Equal(t,
		[]string{"http", "watchdog", "worker"},
		GetEnabledServices(&config.AppConfig{Services: "worker, http,watchdog"}),
	)
}

func TestValidateServiceConfig(t *testing.T) {
	base := func(services string) *config.AppConfig {
		cfg := &config.AppConfig{Services: services}
		cfg.Dispatch.Driver = config.DispatchDriverRedis
		cfg.Compute.URL = "http://compute:11434"
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *config.AppConfig
		wantErr string
	}{
		{name: "nil", cfg: nil, wantErr: "required"},
		{name: "invalid service", cfg: base("http,queue"), wantErr: "invalid service configuration"},
		{name: "all services", cfg: base("http,worker,watchdog")},
		{name: "http only on redis", cfg: base("http")},
		{
			name: "memory dispatch without worker",
			cfg: func() *config.AppConfig {
				c := base("http,watchdog")
				c.Dispatch.Driver = config.DispatchDriverMemory
				return c
			}(),
			wantErr: "memory dispatch",
		},
		{
			name: "worker without compute url",
			cfg: func() *config.AppConfig {
				c := base("worker")
				c.Compute.URL = ""
				return c
			}(),
			wantErr: "COMPUTE_URL",
		},
		{
			name: "compute budget within job timeout",
			cfg: func() *config.AppConfig {
				c := base("worker")
				c.Compute.Timeout = time.Minute
				c.Compute.RetryLimit = 2
				c.Ledger.JobTimeout = 5 * time.Minute
				return c
			}(),
		},
		{
			name: "compute budget reaches job timeout",
			cfg: func() *config.AppConfig {
				c := base("worker")
				c.Compute.Timeout = 2 * time.Minute
				c.Compute.RetryLimit = 2
				c.Ledger.JobTimeout = 5 * time.Minute
				return c
			}(),
			wantErr: "LEDGER_JOB_TIMEOUT",
		},
		{
			name: "compute budget ignored without worker",
			cfg: func() *config.AppConfig {
				c := base("http,watchdog")
				c.Compute.Timeout = 10 * time.Minute
				c.Ledger.JobTimeout = time.Minute
				return c
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceConfig(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	NewLogger(&buf, config.LogConfig{Level: slog.LevelWarn, Format: config.LogFormatText}).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&buf, config.LogConfig{Level: slog.LevelInfo, Format: config.LogFormatJSON}).Info("shown", "id", "r-1")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"id":"r-1"`)
}
