// Package middleware provides HTTP middleware for authentication, logging, and request processing.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// ReasonUnauthorized is returned for a missing or wrong admin key.
const ReasonUnauthorized = "UNAUTHORIZED"

// Auth 返回管理 API 认证中间件
// 从 Authorization: Bearer 或 X-API-Key 读取密钥，与配置的 admin key 比对
func Auth(adminKey string, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			var apiKey, path string
			if tr, ok := transport.FromServerContext(ctx); ok {
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					apiKey = extractAPIKey(ht.Request())
					path = ht.Request().URL.Path
				}
			}

			if adminKey == "" || apiKey == "" ||
				subtle.ConstantTimeCompare([]byte(apiKey), []byte(adminKey)) != 1 {
				logger.Warnw("msg", "rejected admin request", "type", "auth", "path", path, "api_key_masked", maskAPIKey(apiKey))
				return nil, errors.Unauthorized(ReasonUnauthorized, "a valid admin key is required")
			}
			return handler(ctx, req)
		}
	}
}

func extractAPIKey(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		if key := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); key != "" {
			return key
		}
	}
	return strings.TrimSpace(req.Header.Get("X-API-Key"))
}

// maskAPIKey 脱敏 API Key，仅显示前 8 位
// 示例: "sk-1234567890abcdef" -> "sk-12345***"
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "***"
}
