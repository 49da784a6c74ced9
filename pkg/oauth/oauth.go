// Package oauth refreshes Google OAuth credentials of pooled accounts.
// It supports per-account egress proxies and retries transient failures.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ProxyLane/pkg/oauth/util"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

const (
	// GoogleTokenURL Google OAuth Token 端点
	//nolint:gosec // G101: 这是一个公开的 API 端点 URL，不是凭据
	GoogleTokenURL = "https://oauth2.googleapis.com/token"

	// DefaultTimeout 默认超时时间
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries 默认最大重试次数（不含首次请求）
	DefaultMaxRetries = 2

	// defaultTokenLifetime 上游未返回 expires_in 时使用的有效期
	defaultTokenLifetime = time.Hour
)

// ErrInvalidGrant 表示 refresh_token 已被撤销或过期，需要重新授权
var ErrInvalidGrant = errors.New("oauth: invalid_grant")

// Config OAuth 客户端配置
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// ProxyURL 是账号未配置代理时使用的默认代理
	ProxyURL   string
	Timeout    time.Duration
	MaxRetries int
}

// Token 刷新得到的凭据
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher 使用 refresh_token 换取新的 access_token
type Refresher struct {
	cfg    Config
	oauth  *oauth2.Config
	now    func() time.Time
	newBkf func() backoff.BackOff

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewRefresher 创建 Refresher，未设置的字段使用默认值
func NewRefresher(cfg Config) *Refresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Refresher{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: cfg.TokenURL,
				// params style avoids the header-then-params probe, which would
				// send a revoked token twice
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		now: time.Now,
		newBkf: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 4 * time.Second
			return b
		},
		clients: make(map[string]*http.Client),
	}
}

// RefreshToken 刷新 OAuth Token
// proxyURL: 账号级代理（可选），为空时使用配置中的默认代理
func (r *Refresher) RefreshToken(ctx context.Context, refreshToken, proxyURL string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh_token cannot be empty")
	}
	if proxyURL == "" {
		proxyURL = r.cfg.ProxyURL
	}

	client, err := r.client(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	var tok *oauth2.Token
	attempt := 0
	op := func() error {
		attempt++
		t, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err == nil {
			tok = t
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			if re.ErrorCode == "invalid_grant" {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorDescription))
			}
			// 4xx 客户端错误不重试
			if re.Response != nil && re.Response.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("oauth error (HTTP %d): %s", re.Response.StatusCode, re.ErrorCode))
			}
		}
		return fmt.Errorf("attempt %d: %w", attempt, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBkf(), uint64(r.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	out := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = r.now().Add(defaultTokenLifetime)
	}
	return out, nil
}

// client 按代理地址缓存 HTTP 客户端
func (r *Refresher) client(proxyURL string) (*http.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[proxyURL]; ok {
		return c, nil
	}
	c, err := util.CreateHTTPClient(proxyURL, r.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	r.clients[proxyURL] = c
	return c, nil
}
