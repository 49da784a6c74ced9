// Package biz contains the account pool: selection, credential freshness,
// cooldowns, session affinity and the retry engine protocol handlers drive.
// Persistence and upstream clients are reached through the interfaces in
// account_repo.go, implemented by the data layer.
package biz

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewPoolOptions,
	NewCircuitBreakerConfig,
	NewCircuitBreaker,
	NewPoolTokenManager,
	NewRetryPolicy,
	NewFallbackOptions,
	NewDispatcher,
	NewCredentialRefreshTask,
	NewQuotaRefreshTask,
	NewAccountUsecase,
)

// NewPoolTokenManager wires a TokenManager; the cleanup stops background tasks.
func NewPoolTokenManager(opts PoolOptions, repo AccountRepo, refresher TokenRefresher, projects ProjectResolver, breaker *CircuitBreaker, audit AuditLogger, logger log.Logger) (*TokenManager, func()) {
	tm := NewTokenManager(opts, repo, refresher, projects, breaker, audit, logger)
	return tm, func() {
		if err := tm.GracefulShutdown(0); err != nil {
			log.NewHelper(logger).Warnw("msg", "account pool shutdown incomplete", "error", err)
		}
	}
}
