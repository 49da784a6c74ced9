package data

import (
	"context"
	"errors"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"
	"ProxyLane/pkg/oauth"
	"ProxyLane/pkg/openai"
	"ProxyLane/pkg/quota"

	"github.com/go-kratos/kratos/v2/log"
)

// TokenRefresher adapts the OAuth refresher to biz.TokenRefresher.
type TokenRefresher struct {
	oauth *oauth.Refresher
}

// NewTokenRefresher creates the refresher from the upstream OAuth settings.
func NewTokenRefresher(c *conf.Upstream) biz.TokenRefresher {
	cfg := oauth.Config{}
	if c != nil && c.OAuth != nil {
		cfg = oauth.Config{
			ClientID:     c.OAuth.ClientID,
			ClientSecret: c.OAuth.ClientSecret,
			TokenURL:     c.OAuth.TokenURL,
			ProxyURL:     c.OAuth.ProxyURL,
			Timeout:      c.OAuth.Timeout,
			MaxRetries:   c.OAuth.MaxRetries,
		}
	}
	return &TokenRefresher{oauth: oauth.NewRefresher(cfg)}
}

// Refresh exchanges cred.RefreshToken through the account's proxy.
func (r *TokenRefresher) Refresh(ctx context.Context, cred biz.Credential) (biz.Credential, error) {
	tok, err := r.oauth.RefreshToken(ctx, cred.RefreshToken, cred.ProxyURL)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidGrant) {
			return biz.Credential{}, biz.ErrInvalidGrant.WithCause(err)
		}
		return biz.Credential{}, err
	}
	return biz.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		ProxyURL:     cred.ProxyURL,
	}, nil
}

// cachedQuota is the cache entry of one quota report.
type cachedQuota struct {
	Models    map[string]quota.ModelQuota `json:"models"`
	Forbidden bool                        `json:"forbidden"`
	FetchedAt time.Time                   `json:"fetched_at"`
}

// QuotaService implements biz.ProjectResolver and biz.QuotaFetcher. Reports
// are cached per project for TTLQuota when Redis is available.
type QuotaService struct {
	client *quota.Client
	cache  CacheClient
	log    *log.Helper
	now    func() time.Time
}

// NewQuotaService creates the quota adapter.
func NewQuotaService(c *conf.Upstream, data *Data, logger log.Logger) (*QuotaService, error) {
	cfg := quota.Config{}
	if c != nil && c.Quota != nil {
		cfg = quota.Config{
			BaseURL:           c.Quota.BaseURL,
			ProxyURL:          c.Quota.ProxyURL,
			Timeout:           c.Quota.Timeout,
			RequestsPerSecond: c.Quota.RequestsPerSecond,
			Burst:             c.Quota.Burst,
		}
	}
	client, err := quota.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &QuotaService{client: client, cache: data.cache, log: log.NewHelper(logger), now: time.Now}, nil
}

// ResolveProject returns the project bound to accessToken and its tier.
func (s *QuotaService) ResolveProject(ctx context.Context, accessToken string) (string, string, error) {
	return s.client.LoadProject(ctx, accessToken)
}

// FetchQuota returns the per-model quota of the account owning accessToken.
func (s *QuotaService) FetchQuota(ctx context.Context, accessToken, projectID string) (*biz.QuotaSnapshot, error) {
	key := BuildCacheKey(CacheKeyQuota, projectID)
	if s.cache != nil && projectID != "" {
		var hit cachedQuota
		err := s.cache.Get(ctx, key, &hit)
		if err == nil {
			return toSnapshot(hit), nil
		}
		if !errors.Is(err, ErrCacheNotFound) {
			s.log.Warnw("msg", "quota cache read failed", "project_id", projectID, "error", err)
		}
	}

	report, err := s.client.FetchModels(ctx, accessToken, projectID)
	if err != nil {
		return nil, err
	}
	entry := cachedQuota{Models: report.Models, Forbidden: report.Forbidden, FetchedAt: s.now()}

	if s.cache != nil && projectID != "" {
		if err := s.cache.Set(ctx, key, entry, TTLQuota); err != nil {
			s.log.Warnw("msg", "quota cache write failed", "project_id", projectID, "error", err)
		}
	}
	return toSnapshot(entry), nil
}

func toSnapshot(c cachedQuota) *biz.QuotaSnapshot {
	snap := &biz.QuotaSnapshot{
		Models:      make(map[string]biz.ModelQuota, len(c.Models)),
		IsForbidden: c.Forbidden,
		UpdatedAt:   c.FetchedAt,
	}
	for k, m := range c.Models {
		snap.Models[k] = biz.ModelQuota(m)
	}
	return snap
}

// FallbackProvider sends requests to an OpenAI compatible upstream when the
// pool is exhausted.
type FallbackProvider struct {
	client *openai.Client
}

// NewFallbackProvider returns nil when the fallback is disabled.
func NewFallbackProvider(c *conf.Upstream, logger log.Logger) (biz.FallbackProvider, error) {
	if c == nil || c.Fallback == nil || !c.Fallback.Enabled {
		log.NewHelper(logger).Info("fallback provider disabled")
		return nil, nil
	}
	client, err := openai.NewClient(openai.Config{
		BaseURL: c.Fallback.BaseURL,
		APIKey:  c.Fallback.APIKey,
		Timeout: c.Fallback.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &FallbackProvider{client: client}, nil
}

// Name identifies the provider in dispatch results.
func (p *FallbackProvider) Name() string {
	return "openai"
}

// Call forwards the original payload.
func (p *FallbackProvider) Call(ctx context.Context, req *biz.DispatchRequest) (*biz.UpstreamResponse, error) {
	resp, err := p.client.ChatCompletions(ctx, req.Payload)
	if err != nil {
		return nil, err
	}
	return &biz.UpstreamResponse{Status: resp.Status, RetryAfter: resp.RetryAfter, Body: resp.Body}, nil
}

// Probe checks the API key by listing models.
func (p *FallbackProvider) Probe(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	return err
}
