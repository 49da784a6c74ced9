package biz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

const (
	defaultRefreshLead        = 15 * time.Minute
	defaultRefreshConcurrency = 4
)

// CredentialRefreshTask 凭证主动刷新任务
type CredentialRefreshTask struct {
	pool        *TokenManager
	lead        time.Duration
	concurrency int64
	logger      *log.Helper
}

// NewCredentialRefreshTask 创建凭证刷新任务
func NewCredentialRefreshTask(pool *TokenManager, logger log.Logger) *CredentialRefreshTask {
	return &CredentialRefreshTask{
		pool:        pool,
		lead:        defaultRefreshLead,
		concurrency: defaultRefreshConcurrency,
		logger:      log.NewHelper(logger),
	}
}

// RefreshResult 一次刷新任务的统计
type RefreshResult struct {
	Checked   int
	Refreshed int
	Failed    int
}

// RefreshExpiring 刷新 lead 窗口内即将过期的凭证
// 执行策略：由 cron 定时触发，并发度受信号量限制，与请求路径共用 single-flight，不会重复刷新
func (t *CredentialRefreshTask) RefreshExpiring(ctx context.Context) (RefreshResult, error) {
	now := t.pool.now()
	var due []string
	for _, acc := range t.pool.accounts.Load().list {
		if acc.Disabled || acc.ProxyDisabled {
			continue
		}
		if acc.Credential.NeedsRefresh(now, t.lead) {
			due = append(due, acc.ID)
		}
	}

	res := RefreshResult{Checked: t.pool.Len()}
	if len(due) == 0 {
		t.logger.Debug("No credentials need refresh")
		return res, nil
	}

	var (
		sem       = semaphore.NewWeighted(t.concurrency)
		wg        sync.WaitGroup
		refreshed atomic.Int32
		failed    atomic.Int32
	)
	for _, id := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			ok, err := t.pool.RefreshExpiring(ctx, id, t.lead)
			if err != nil {
				failed.Add(1)
				t.logger.Errorw("msg", "failed to refresh credential", "account_id", id, "error", err)
				return
			}
			if ok {
				refreshed.Add(1)
			}
		}(id)
	}
	wg.Wait()

	res.Refreshed = int(refreshed.Load())
	res.Failed = int(failed.Load())
	t.logger.Infow("msg", "credential refresh task completed",
		"due", len(due), "refreshed", res.Refreshed, "failed", res.Failed)
	return res, ctx.Err()
}
