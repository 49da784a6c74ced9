package main

import (
	"context"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"
	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	credentialRefreshTimeout = 10 * time.Minute
	quotaRefreshTimeout      = 10 * time.Minute
)

// newCron 注册凭证刷新与配额刷新定时任务
// 任务通过 pool.Go 运行，账户池关闭时随之取消；上一轮未结束时跳过本轮
// Cron 表达式为秒级格式（秒 分 时 日 月 周），默认见 conf.setDefaults
func newCron(c *conf.Cron, pool *biz.TokenManager, creds *biz.CredentialRefreshTask, quota *biz.QuotaRefreshTask, logger log.Logger) (*cron.Cron, error) {
	helper := pkglog.NewLogHelper(logger)
	jobs := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	credSpec, quotaSpec := "0 */10 * * * *", "0 */15 * * * *"
	if c != nil {
		if c.CredentialRefresh != "" {
			credSpec = c.CredentialRefresh
		}
		if c.QuotaRefresh != "" {
			quotaSpec = c.QuotaRefresh
		}
	}

	if _, err := jobs.AddFunc(credSpec, func() {
		runJob(pool, helper, "credential_refresh", credentialRefreshTimeout, func(ctx context.Context) error {
			res, err := creds.RefreshExpiring(ctx)
			if err == nil {
				helper.Scheduler("credential refresh finished",
					"checked", res.Checked, "refreshed", res.Refreshed, "failed", res.Failed)
			}
			return err
		})
	}); err != nil {
		return nil, err
	}

	if _, err := jobs.AddFunc(quotaSpec, func() {
		runJob(pool, helper, "quota_refresh", quotaRefreshTimeout, func(ctx context.Context) error {
			n, err := quota.RefreshAll(ctx)
			if err == nil {
				helper.Scheduler("quota refresh finished", "updated", n)
			}
			return err
		})
	}); err != nil {
		return nil, err
	}

	helper.Startup("cron jobs registered", "credential_refresh", credSpec, "quota_refresh", quotaSpec)
	return jobs, nil
}

// runJob blocks until fn returns so SkipIfStillRunning sees overlapping runs.
func runJob(pool *biz.TokenManager, helper *pkglog.LogHelper, name string, timeout time.Duration, fn func(context.Context) error) {
	done := make(chan struct{})
	started := pool.Go(name, func(ctx context.Context) {
		defer close(done)
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			helper.Scheduler("cron job failed", "job", name, "error", err)
		}
	})
	if !started {
		helper.Scheduler("cron job skipped, pool is shutting down", "job", name)
		return
	}
	<-done
}
