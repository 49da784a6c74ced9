// Package openai is a minimal client for an OpenAI-compatible upstream,
// used as the fallback provider when the account pool is exhausted.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ProxyLane/pkg/oauth/util"

	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout 默认超时时间
	DefaultTimeout = 120 * time.Second

	// UserAgent ProxyLane 的 User-Agent
	UserAgent = "ProxyLane/1.0"

	chatCompletionsPath = "/v1/chat/completions"
	modelsPath          = "/v1/models"

	maxResponseSize = 32 << 20
)

// Config 客户端配置
type Config struct {
	BaseURL  string
	APIKey   string
	ProxyURL string
	Timeout  time.Duration
}

// Response 上游原始响应
type Response struct {
	Status     int
	RetryAfter string
	Body       []byte
}

// Client OpenAI 兼容上游客户端
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient 创建客户端
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient, err := util.CreateHTTPClient(cfg.ProxyURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	return &Client{
		// 规范化 Base URL（去除尾部斜杠和 /v1 后缀）
		baseURL: strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}, nil
}

// ChatCompletions 转发一次 chat completions 请求，非 2xx 响应不视为错误
func (c *Client) ChatCompletions(ctx context.Context, payload []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
		Body:       body,
	}, nil
}

// ListModels 列出上游模型，同时用于验证 API Key
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("invalid API key (HTTP 401): %s", errorMessage(body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status (HTTP %d): %s", resp.StatusCode, errorMessage(body))
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("invalid response format: missing data array")
	}
	var ids []string
	data.ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", UserAgent)
}

// errorMessage 提取 OpenAI 风格错误消息，失败时返回原始响应
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	if !json.Valid(body) && len(body) > 256 {
		return string(body[:256])
	}
	return string(body)
}
