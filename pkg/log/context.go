package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "proxylane_request_context"

// RequestContext 存储请求追踪信息，在中间件和调度器之间通过 Context 传递
type RequestContext struct {
	RequestID string
	AccountID string
	Model     string
	SessionID string
	StartTime time.Time
}

var (
	randSource  = rand.NewSource(time.Now().UnixNano())
	randMutex   sync.Mutex
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID 生成10位 base36 请求ID，例如 mgrn0zfqda
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext 将 RequestContext 注入到 Context 中
func WithRequestContext(ctx context.Context, requestID, model, sessionID string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		Model:     model,
		SessionID: sessionID,
		StartTime: time.Now(),
	})
}

// GetRequestContext 从 Context 中提取 RequestContext，不存在时返回默认值
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

// GetRequestID 从 Context 中提取 Request ID
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// SetAccountID 记录当前尝试使用的账户，重试轮换时会被覆盖
func SetAccountID(ctx context.Context, accountID string) {
	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		reqCtx.AccountID = accountID
	}
}

// GetElapsedTime 获取请求已执行时间
func GetElapsedTime(ctx context.Context) time.Duration {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime)
}
