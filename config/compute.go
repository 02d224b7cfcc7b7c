package config

import (
	"strings"
	"time"
)

// ComputeConfig configures the external compute collaborator.
type ComputeConfig struct {
	URL          string        `env:"URL"           envDefault:"http://localhost:11434"`
	Model        string        `env:"MODEL"         envDefault:"deepseek-r1"`
	Timeout      time.Duration `env:"TIMEOUT"       envDefault:"60s"`
	OutputExpr   string        `env:"OUTPUT_EXPR"   envDefault:"response"`
	PromptPrefix string        `env:"PROMPT_PREFIX" envDefault:""`
	RetryLimit   int           `env:"RETRY_LIMIT"   envDefault:"2"`

	// OAuth client credentials; all of token URL and client id must be set to enable.
	OAuthTokenURL     string   `env:"OAUTH_TOKEN_URL"`
	OAuthClientID     string   `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string `env:"OAUTH_SCOPES"`
}

// Sanitize trims inputs and applies defaults.
func (c *ComputeConfig) Sanitize() {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	c.OutputExpr = strings.TrimSpace(c.OutputExpr)
	if c.OutputExpr == "" {
		c.OutputExpr = "response"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	c.OAuthTokenURL = strings.TrimSpace(c.OAuthTokenURL)
	c.OAuthClientID = strings.TrimSpace(c.OAuthClientID)
}

// OAuthEnabled reports whether client credentials are configured.
func (c *ComputeConfig) OAuthEnabled() bool {
	return c.OAuthTokenURL != "" && c.OAuthClientID != ""
}

// computeBackoffStep matches the linear backoff between compute retries.
const computeBackoffStep = 200 * time.Millisecond

// CallBudget is the longest one compute call may take: every attempt at
// Timeout plus the backoff between them.
func (c *ComputeConfig) CallBudget() time.Duration {
	retries := max(c.RetryLimit, 0)
	backoff := computeBackoffStep * time.Duration(retries*(retries+1)/2)
	return c.Timeout*time.Duration(retries+1) + backoff
}
