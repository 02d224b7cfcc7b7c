package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: ledger store and Redis configuration
//   - dispatch.go: broker configuration
//   - http.go: HTTP server configuration
//   - services.go: service modes, worker, watchdog and notifier configuration
//   - compute.go: compute collaborator configuration
type AppConfig struct {
	// Store selects the ledger backend.
	Store    StoreConfig
	Postgres DBConfig     `envPrefix:"DB_"`
	SQLite   SQLiteConfig `envPrefix:"SQLITE_"`
	Redis    RedisConfig  `envPrefix:"REDIS_"`

	Dispatch DispatchConfig
	Kafka    KafkaConfig `envPrefix:"KAFKA_"`

	HTTP HTTPConfig

	// Services is a comma list of service modes to run in this process.
	Services string `env:"APP_SERVICES" envDefault:"http,worker,watchdog"`

	Ledger   LedgerConfig
	Worker   WorkerConfig
	Watchdog WatchdogConfig
	Notifier NotifierConfig
	Compute  ComputeConfig `envPrefix:"COMPUTE_"`

	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Store.Sanitize()
	c.Dispatch.Sanitize()
	c.Kafka.Sanitize()
	c.HTTP.Sanitize()
	c.Ledger.Sanitize()
	c.Worker.Sanitize()
	c.Watchdog.Sanitize()
	c.Notifier.Sanitize()
	c.Compute.Sanitize()
	c.Observability.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.serviceEnabled(ServiceModeHTTP) }

// IsWorkerEnabled returns true if this process consumes dispatched records.
func (c *AppConfig) IsWorkerEnabled() bool { return c.serviceEnabled(ServiceModeWorker) }

// IsWatchdogEnabled returns true if the watchdog loop is enabled.
func (c *AppConfig) IsWatchdogEnabled() bool { return c.serviceEnabled(ServiceModeWatchdog) }
