// Package compute is the HTTP client for the external text-generation collaborator.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const generatePath = "/api/generate"

// OAuthConfig enables client-credentials tokens on every request.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Config captures how to reach the compute collaborator.
type Config struct {
	BaseURL string
	Model   string
	// OutputExpr is a JMESPath expression selecting the output from the response body.
	OutputExpr string
	// PromptPrefix is prepended to every prompt.
	PromptPrefix string
	Timeout      time.Duration
	RetryLimit   int
	Client       *http.Client
	OAuth        *OAuthConfig
}

// Client calls POST <BaseURL>/api/generate.
type Client struct {
	endpoint   string
	model      string
	outputExpr string
	prefix     string
	retryLimit int
	client     *http.Client
}

var _ core.Computer = (*Client)(nil)

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("compute base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid compute base url: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("compute model is required")
	}

	expr := strings.TrimSpace(cfg.OutputExpr)
	if expr == "" {
		expr = "response"
	}
	if _, err := jmespath.Compile(expr); err != nil {
		return nil, fmt.Errorf("invalid compute output expression %q: %w", expr, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.OAuth != nil && cfg.OAuth.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// The token fetch reuses the base client's transport and timeout.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		authed := cc.Client(tokenCtx)
		authed.Timeout = hc.Timeout
		hc = authed
	}

	return &Client{
		endpoint:   base + generatePath,
		model:      cfg.Model,
		outputExpr: expr,
		prefix:     cfg.PromptPrefix,
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Compute sends the record's prompt and returns the selected output as JSON.
func (c *Client) Compute(ctx context.Context, req core.ComputeRequest) (json.RawMessage, error) {
	prompt, err := PromptFromInput(req.Input)
	if err != nil {
		return nil, err
	}
	if c.prefix != "" {
		prompt = c.prefix + " " + prompt
	}
	body, err := json.Marshal(generateRequest{Prompt: prompt, Model: c.model})
	if err != nil {
		return nil, apperrors.Compute(err, "encode compute request")
	}

	var respBody []byte
	attempts := c.retryLimit + 1
	for attempt := range attempts {
		var retry bool
		respBody, retry, err = c.post(ctx, body)
		if err == nil || !retry || attempt == attempts-1 {
			break
		}
		delay := time.Duration(attempt+1) * 200 * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperrors.Compute(ctx.Err(), "compute call canceled")
		case <-timer.C:
		}
	}
	if err != nil {
		return nil, err
	}
	return c.extract(respBody)
}

// post performs one request. The bool reports whether the failure is retryable.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, apperrors.Compute(err, "create compute request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, apperrors.Compute(err, "compute request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, apperrors.Compute(err, "read compute response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, apperrors.Compute(
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet), "compute service rejected the request")
	}
	return data, false, nil
}

func (c *Client) extract(body []byte) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperrors.Compute(err, "decode compute response")
	}
	out, err := jmespath.Search(c.outputExpr, doc)
	if err != nil {
		return nil, apperrors.Compute(err, "evaluate compute output expression")
	}
	if out == nil {
		return nil, apperrors.Compute(
			fmt.Errorf("expression %q matched nothing", c.outputExpr), "compute response has no output")
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, apperrors.Compute(err, "encode compute output")
	}
	return raw, nil
}

// PromptFromInput derives the prompt from a record input: the "message" or
// "prompt" field of an object, a bare JSON string, or else the raw JSON text.
func PromptFromInput(input json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return "", apperrors.ValidationField("input", "input is empty")
	}
	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err == nil {
		for _, k := range []string{"message", "prompt"} {
			if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
				return s, nil
			}
		}
	}
	var s string
	if err := json.Unmarshal(input, &s); err == nil && strings.TrimSpace(s) != "" {
		return s, nil
	}
	return string(input), nil
}
