package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	pkglog "ProxyLane/pkg/log"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer sk-admin"}, "sk-admin"},
		{"x-api-key", map[string]string{"X-API-Key": " sk-admin "}, "sk-admin"},
		{"bearer wins", map[string]string{"Authorization": "Bearer a", "X-API-Key": "b"}, "a"},
		{"empty bearer falls back", map[string]string{"Authorization": "Bearer ", "X-API-Key": "b"}, "b"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/v1/pool", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractAPIKey(req))
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "sk-12345***", maskAPIKey("sk-1234567890abcdef"))
	assert.Equal(t, "****", maskAPIKey("abcd"))
	assert.Equal(t, "", maskAPIKey(""))
}

func TestAuth_RejectsWithoutTransport(t *testing.T) {
	called := false
	h := Auth("admin", pkglog.NewLogHelper(log.DefaultLogger))(func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return nil, nil
	})

	_, err := h(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, ReasonUnauthorized, kerrors.Reason(err))
	assert.False(t, called)
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9:5555", extractClientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", extractClientIP(req))

	req.Header.Set("X-Real-IP", "5.6.7.8")
	assert.Equal(t, "5.6.7.8", extractClientIP(req))
}

func TestExtractHTTPStatus(t *testing.T) {
	assert.Equal(t, 200, extractHTTPStatus(nil))
	assert.Equal(t, 404, extractHTTPStatus(kerrors.NotFound("ACCOUNT_NOT_FOUND", "missing")))
	assert.Equal(t, 500, extractHTTPStatus(errors.New("boom")))
}
