package config

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// MaxConns caps concurrent connections; long-lived streams count against it. 0 disables the cap.
	MaxConns int `env:"HTTP_MAX_CONNS" envDefault:"1024"`

	// RateLimitRPS limits write requests per second across the process. 0 disables limiting.
	RateLimitRPS   float64 `env:"HTTP_RATE_LIMIT_RPS"   envDefault:"100"`
	RateLimitBurst int     `env:"HTTP_RATE_LIMIT_BURST" envDefault:"200"`

	// MaxBodyBytes bounds request bodies, including imports.
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"10485760"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.MaxConns < 0 {
		h.MaxConns = 0
	}
	if h.RateLimitRPS < 0 {
		h.RateLimitRPS = 0
	}
	if h.RateLimitRPS > 0 && h.RateLimitBurst < 1 {
		h.RateLimitBurst = max(int(h.RateLimitRPS), 1)
	}
	if h.MaxBodyBytes <= 0 {
		h.MaxBodyBytes = 10 << 20
	}
}
