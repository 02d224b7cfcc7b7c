package compute

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-ledger/internal/core"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Model: "m"})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://compute", Model: ""})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://compute", Model: "m", OutputExpr: "response[?"})
	require.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://compute/", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "http://compute/api/generate", c.endpoint)
	assert.Equal(t, "response", c.outputExpr)
}

func TestClient_Compute(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/generate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","response":"hola","done":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m", PromptPrefix: "Answer plainly:"})
	require.NoError(t, err)

	out, err := c.Compute(context.Background(), core.ComputeRequest{
		RecordID: "x",
		Input:    json.RawMessage(`{"message":"hello","user":"u1"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"hola"`, string(out))
	assert.Equal(t, "Answer plainly: hello", got.Prompt)
	assert.Equal(t, "m", got.Model)
	assert.False(t, got.Stream)
}

func TestClient_ComputeOutputExpression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"text":"a"},{"text":"b"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m", OutputExpr: "choices[].text"})
	require.NoError(t, err)
	out, err := c.Compute(context.Background(), core.ComputeRequest{Input: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(out))

	c, err = NewClient(Config{BaseURL: srv.URL, Model: "m", OutputExpr: "missing"})
	require.NoError(t, err)
	_, err = c.Compute(context.Background(), core.ComputeRequest{Input: json.RawMessage(`"hi"`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsCompute(err))
}

func TestClient_ComputeRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m", RetryLimit: 1})
	require.NoError(t, err)
	out, err := c.Compute(context.Background(), core.ComputeRequest{Input: json.RawMessage(`{"prompt":"p"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ComputeClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m", RetryLimit: 3})
	require.NoError(t, err)
	_, err = c.Compute(context.Background(), core.ComputeRequest{Input: json.RawMessage(`{"message":"x"}`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsCompute(err))
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ComputeHonorsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Compute(ctx, core.ComputeRequest{Input: json.RawMessage(`"slow"`)})
	require.Error(t, err)
	assert.True(t, apperrors.IsCompute(err))
}

func TestClient_OAuthToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"response":"secret"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Model:   "m",
		OAuth:   &OAuthConfig{TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "s"},
	})
	require.NoError(t, err)
	out, err := c.Compute(context.Background(), core.ComputeRequest{Input: json.RawMessage(`"x"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `"secret"`, string(out))
}

func TestPromptFromInput(t *testing.T) {
	cases := map[string]string{
		`{"message":"m","prompt":"p"}`: "m",
		`{"prompt":"p"}`:               "p",
		`"bare"`:                       "bare",
		`{"other":1}`:                  `{"other":1}`,
	}
	for in, want := range cases {
		got, err := PromptFromInput(json.RawMessage(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := PromptFromInput(nil)
	assert.True(t, apperrors.IsValidation(err))
}
