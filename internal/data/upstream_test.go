package data

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRefresher_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	r := NewTokenRefresher(&conf.Upstream{OAuth: &conf.Upstream_OAuth{ClientID: "id", TokenURL: server.URL, MaxRetries: 0}})
	cred, err := r.Refresh(context.Background(), biz.Credential{RefreshToken: "refresh-1"})
	require.NoError(t, err)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)
}

func TestTokenRefresher_InvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer server.Close()

	r := NewTokenRefresher(&conf.Upstream{OAuth: &conf.Upstream_OAuth{ClientID: "id", TokenURL: server.URL}})
	_, err := r.Refresh(context.Background(), biz.Credential{RefreshToken: "revoked"})
	require.Error(t, err)
	assert.True(t, biz.IsInvalidGrant(err))
}

func newQuotaServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1internal:loadCodeAssist":
			_, _ = w.Write([]byte(`{"cloudaicompanionProject":"proj-1","currentTier":{"id":"free-tier"},"paidTier":{"id":"g1-pro-tier"}}`))
		case "/v1internal:fetchAvailableModels":
			_, _ = w.Write([]byte(`{"models":{"claude-sonnet-4-5":{"quotaInfo":{"remainingFraction":0.42,"resetTime":"2026-03-01T15:00:00Z"}},"chat_20706":{"quotaInfo":{"remainingFraction":1}}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestQuotaService_ResolveProject(t *testing.T) {
	var hits atomic.Int32
	server := newQuotaServer(t, &hits)

	s, err := NewQuotaService(&conf.Upstream{Quota: &conf.Upstream_Quota{BaseURL: server.URL}}, &Data{}, log.DefaultLogger)
	require.NoError(t, err)

	project, tier, err := s.ResolveProject(context.Background(), "access")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", project)
	assert.Equal(t, "g1-pro-tier", tier)
}

func TestQuotaService_FetchQuotaCached(t *testing.T) {
	var hits atomic.Int32
	server := newQuotaServer(t, &hits)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s, err := NewQuotaService(&conf.Upstream{Quota: &conf.Upstream_Quota{BaseURL: server.URL}}, &Data{cache: NewCacheClient(rdb)}, log.DefaultLogger)
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := s.FetchQuota(ctx, "access", "proj-1")
	require.NoError(t, err)
	pct, ok := snap.Percentage("claude-sonnet-4-5")
	require.True(t, ok)
	assert.Equal(t, 42, pct)
	assert.Len(t, snap.Models, 1, "non gemini/claude models are dropped")
	assert.False(t, snap.UpdatedAt.IsZero())

	again, err := s.FetchQuota(ctx, "access", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second fetch is served from cache")
	assert.True(t, snap.UpdatedAt.Equal(again.UpdatedAt))
	assert.True(t, snap.Models["claude-sonnet-4-5"].ResetTime.Equal(again.Models["claude-sonnet-4-5"].ResetTime))

	mr.FastForward(TTLQuota + time.Second)
	_, err = s.FetchQuota(ctx, "access", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestQuotaService_FetchQuotaWithoutCache(t *testing.T) {
	var hits atomic.Int32
	server := newQuotaServer(t, &hits)

	s, err := NewQuotaService(&conf.Upstream{Quota: &conf.Upstream_Quota{BaseURL: server.URL}}, &Data{}, log.DefaultLogger)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.FetchQuota(context.Background(), "access", "proj-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestQuotaService_Forbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	s, err := NewQuotaService(&conf.Upstream{Quota: &conf.Upstream_Quota{BaseURL: server.URL}}, &Data{}, log.DefaultLogger)
	require.NoError(t, err)

	snap, err := s.FetchQuota(context.Background(), "access", "proj-1")
	require.NoError(t, err)
	assert.True(t, snap.IsForbidden)
}

func TestNewFallbackProvider_Disabled(t *testing.T) {
	p, err := NewFallbackProvider(&conf.Upstream{Fallback: &conf.Upstream_Fallback{Enabled: false}}, log.DefaultLogger)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewFallbackProvider(nil, log.DefaultLogger)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewFallbackProvider(&conf.Upstream{Fallback: &conf.Upstream_Fallback{Enabled: true}}, log.DefaultLogger)
	assert.Error(t, err, "an enabled fallback needs a base URL and key")
}

func TestFallbackProvider_CallAndProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"busy"}}`))
		case "/v1/models":
			_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
		}
	}))
	defer server.Close()

	p, err := NewFallbackProvider(&conf.Upstream{Fallback: &conf.Upstream_Fallback{Enabled: true, BaseURL: server.URL, APIKey: "sk"}}, log.DefaultLogger)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "openai", p.Name())

	resp, err := p.Call(context.Background(), &biz.DispatchRequest{Payload: []byte(`{"model":"gpt-4o"}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)

	prober, ok := p.(biz.FallbackProber)
	require.True(t, ok)
	assert.NoError(t, prober.Probe(context.Background()))
}
