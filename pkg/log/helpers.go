package log

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper，按事件类别写入 "type" 字段，方便日志检索
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func typed(kind, msg string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", kind)
}

// Pool 记录账户池事件（加载、重载、选择）
func (h *LogHelper) Pool(msg string, kvs ...interface{}) {
	h.Infow(typed("pool", msg, kvs)...)
}

// Account 记录账户健康状态变更（禁用、403、验证阻断）
func (h *LogHelper) Account(msg string, kvs ...interface{}) {
	h.Warnw(typed("account", msg, kvs)...)
}

// RateLimit 记录熔断/冷却日志
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	h.Warnw(typed("rate_limit", msg, kvs)...)
}

// Token 记录凭证刷新日志
func (h *LogHelper) Token(msg string, kvs ...interface{}) {
	h.Infow(typed("token", msg, kvs)...)
}

// Session 记录粘性会话日志
func (h *LogHelper) Session(msg string, kvs ...interface{}) {
	h.Debugw(typed("session", msg, kvs)...)
}

// Quota 记录配额快照与配额保护日志
func (h *LogHelper) Quota(msg string, kvs ...interface{}) {
	h.Infow(typed("quota", msg, kvs)...)
}

// Scheduler 记录后台任务日志
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(typed("scheduler", msg, kvs)...)
}

// Startup 记录启动日志
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(typed("startup", msg, kvs)...)
}

// Database 记录数据库操作日志
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(typed("database", msg, kvs)...)
}

// Redis 记录 Redis 操作日志
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(typed("redis", msg, kvs)...)
}

// Request 记录 HTTP 请求日志，超过 1s 的请求额外输出慢请求告警
func (h *LogHelper) Request(ctx context.Context, method, url string, status int, duration time.Duration, kvs ...interface{}) {
	reqID := GetRequestID(ctx)
	ms := duration.Milliseconds()
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, ms)

	all := typed("request", msg, kvs)
	all = append(all,
		"request_id", reqID,
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", ms,
	)
	if status >= 500 {
		h.Errorw(all...)
	} else {
		h.Infow(all...)
	}

	if ms > 1000 {
		h.Warnw(typed("slow_request", fmt.Sprintf("[%s] slow request %s %s", reqID, method, url),
			[]interface{}{"request_id", reqID, "duration_ms", ms, "threshold_ms", 1000})...)
	}
}

// Retry 记录一次重试决策，自动携带请求上下文中的 Request ID 和账户
func (h *LogHelper) Retry(ctx context.Context, attempt, maxAttempts, status int, strategy string, delay time.Duration, kvs ...interface{}) {
	reqCtx := GetRequestContext(ctx)
	msg := fmt.Sprintf("[%s] retry %d/%d after status %d (%s, %dms)",
		reqCtx.RequestID, attempt+1, maxAttempts, status, strategy, delay.Milliseconds())

	all := typed("retry", msg, kvs)
	all = append(all,
		"request_id", reqCtx.RequestID,
		"account_id", reqCtx.AccountID,
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"status", status,
		"strategy", strategy,
		"delay_ms", delay.Milliseconds(),
	)
	h.Warnw(all...)
}
