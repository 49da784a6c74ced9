package biz

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
)

// QuotaRefreshTask 配额快照刷新任务
type QuotaRefreshTask struct {
	pool    *TokenManager
	fetcher QuotaFetcher
	logger  *log.Helper
}

// NewQuotaRefreshTask 创建配额刷新任务
func NewQuotaRefreshTask(pool *TokenManager, fetcher QuotaFetcher, logger log.Logger) *QuotaRefreshTask {
	return &QuotaRefreshTask{
		pool:    pool,
		fetcher: fetcher,
		logger:  log.NewHelper(logger),
	}
}

// RefreshAll 拉取所有可用账户的配额并更新配额保护状态
// 禁用账户跳过；单个账户失败只记录日志，不影响其他账户
func (t *QuotaRefreshTask) RefreshAll(ctx context.Context) (updated int, err error) {
	failed := 0
	for _, acc := range t.pool.accounts.Load().list {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		if acc.Disabled || acc.ProxyDisabled {
			continue
		}
		if err := t.refreshOne(ctx, acc.ID); err != nil {
			failed++
			t.logger.Errorw("msg", "failed to refresh quota", "account_id", acc.ID, "error", err)
			continue
		}
		updated++
	}

	t.logger.Infow("msg", "quota refresh task completed", "updated", updated, "failed", failed)
	return updated, nil
}

func (t *QuotaRefreshTask) refreshOne(ctx context.Context, id string) error {
	token, project, err := t.pool.AccessToken(ctx, id)
	if err != nil {
		return err
	}
	snap, err := t.fetcher.FetchQuota(ctx, token, project)
	if err != nil {
		return err
	}
	if err := t.pool.UpdateQuota(ctx, id, snap); err != nil && !IsStorage(err) {
		return err
	}
	return nil
}
