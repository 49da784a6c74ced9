// Package quota talks to the Cloud Code endpoints that report an account's
// project binding, subscription tier and per-model remaining quota.
package quota

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
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production Cloud Code endpoint.
	DefaultBaseURL = "https://cloudcode-pa.googleapis.com"

	loadProjectPath = "/v1internal:loadCodeAssist"
	fetchModelsPath = "/v1internal:fetchAvailableModels"

	userAgent = "antigravity/1.15.8 linux/amd64"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 4 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	ProxyURL          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ModelQuota is the remaining share of one model.
type ModelQuota struct {
	Name       string
	Percentage int
	ResetTime  time.Time
}

// Report is one quota fetch result.
type Report struct {
	// Models is keyed by lowercase model name.
	Models map[string]ModelQuota
	// Forbidden is set when the upstream answered 403 for this account.
	Forbidden bool
}

// StatusError is a non-success answer from the upstream.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// Client is safe for concurrent use. All requests share one rate limiter so
// a full pool refresh does not burst the upstream.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a quota client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient, err := util.CreateHTTPClient(cfg.ProxyURL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("quota client: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// LoadProject returns the project bound to accessToken and the subscription
// tier. The paid tier wins over the current tier when both are reported.
func (c *Client) LoadProject(ctx context.Context, accessToken string) (projectID, tier string, err error) {
	status, body, err := c.post(ctx, loadProjectPath, accessToken, map[string]interface{}{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK {
		return "", "", &StatusError{Op: "loadCodeAssist", Status: status, Body: snippet(body)}
	}

	project := gjson.GetBytes(body, "cloudaicompanionProject")
	if project.IsObject() {
		project = project.Get("id")
	}
	tier = gjson.GetBytes(body, "paidTier.id").String()
	if tier == "" {
		tier = gjson.GetBytes(body, "currentTier.id").String()
	}
	return project.String(), tier, nil
}

// FetchModels loads the per-model quota report. A 403 is not an error: it
// yields a Report with Forbidden set.
func (c *Client) FetchModels(ctx context.Context, accessToken, projectID string) (*Report, error) {
	payload := map[string]interface{}{}
	if projectID != "" {
		payload["project"] = projectID
	}
	status, body, err := c.post(ctx, fetchModelsPath, accessToken, payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusForbidden:
		return &Report{Forbidden: true}, nil
	case status != http.StatusOK:
		return nil, &StatusError{Op: "fetchAvailableModels", Status: status, Body: snippet(body)}
	}
	return parseModels(body), nil
}

// parseModels keeps gemini and claude models only.
func parseModels(body []byte) *Report {
	report := &Report{Models: make(map[string]ModelQuota)}
	gjson.GetBytes(body, "models").ForEach(func(key, value gjson.Result) bool {
		name := strings.ToLower(strings.TrimSpace(key.String()))
		if !strings.Contains(name, "gemini") && !strings.Contains(name, "claude") {
			return true
		}
		info := value.Get("quotaInfo")
		if !info.Exists() {
			return true
		}
		mq := ModelQuota{
			Name:       name,
			Percentage: int(info.Get("remainingFraction").Float() * 100),
		}
		if rt := info.Get("resetTime").String(); rt != "" {
			if t, err := time.Parse(time.RFC3339, rt); err == nil {
				mq.ResetTime = t
			}
		}
		report.Models[name] = mq
		return true
	})
	return report
}

func (c *Client) post(ctx context.Context, path, accessToken string, payload interface{}) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: request failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: failed to read response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
