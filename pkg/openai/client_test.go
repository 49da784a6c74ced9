package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseSuffix string, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{BaseURL: server.URL + baseSuffix, APIKey: "sk-test-key", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "sk"})
	assert.ErrorContains(t, err, "baseURL cannot be empty")

	_, err = NewClient(Config{BaseURL: "https://api.example.com"})
	assert.ErrorContains(t, err, "apiKey cannot be empty")

	_, err = NewClient(Config{BaseURL: "https://api.example.com", APIKey: "sk", ProxyURL: "ftp://p:21"})
	assert.Error(t, err)
}

func TestChatCompletions(t *testing.T) {
	c := newTestClient(t, "/v1/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, chatCompletionsPath, r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"gpt-4o","messages":[]}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1"}`))
	})

	resp, err := c.ChatCompletions(context.Background(), []byte(`{"model":"gpt-4o","messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"id":"chatcmpl-1"}`, string(resp.Body))
}

func TestChatCompletions_ErrorStatusIsNotAnError(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})

	resp, err := c.ChatCompletions(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Equal(t, "7", resp.RetryAfter)
}

func TestChatCompletions_Cancelled(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ChatCompletions(ctx, []byte(`{}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, modelsPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":"gpt-4o-mini"}]}`))
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestListModels_InvalidAPIKey(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid authentication","code":"invalid_api_key"}}`))
	})

	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key (HTTP 401): Invalid authentication")
}

func TestListModels_BadFormat(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list"}`))
	})

	_, err := c.ListModels(context.Background())
	assert.ErrorContains(t, err, "missing data array")
}

func TestListModels_ServerError(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	})

	_, err := c.ListModels(context.Background())
	assert.ErrorContains(t, err, "HTTP 502")
}
