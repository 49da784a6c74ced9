package biz

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"ProxyLane/internal/conf"
	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// DefaultBackoffSteps is the cooldown ladder: 1m, 5m, 30m, 2h.
func DefaultBackoffSteps() []time.Duration {
	return []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}
}

// CircuitBreakerConfig can be swapped at runtime.
type CircuitBreakerConfig struct {
	Enabled      bool
	BackoffSteps []time.Duration
}

// DefaultCircuitBreakerConfig returns an enabled breaker with the default ladder.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Enabled: true, BackoffSteps: DefaultBackoffSteps()}
}

// NewCircuitBreakerConfig converts the pool configuration section.
func NewCircuitBreakerConfig(c *conf.Pool) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c == nil || c.CircuitBreaker == nil {
		return cfg
	}
	cfg.Enabled = c.CircuitBreaker.Enabled
	if len(c.CircuitBreaker.BackoffSteps) > 0 {
		cfg.BackoffSteps = slices.Clone(c.CircuitBreaker.BackoffSteps)
	}
	return cfg
}

// CircuitBreaker applies the configured backoff ladder on top of a
// RateLimitTracker and mirrors every entry to a CooldownRepo. While disabled
// it keeps recording failures but never reports an account as open.
type CircuitBreaker struct {
	tracker *RateLimitTracker
	cfg     atomic.Pointer[CircuitBreakerConfig]
	repo    CooldownRepo
	log     *pkglog.LogHelper
}

// NewCircuitBreaker creates a breaker. repo may be nil.
func NewCircuitBreaker(cfg CircuitBreakerConfig, repo CooldownRepo, logger log.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		tracker: NewRateLimitTracker(),
		repo:    repo,
		log:     pkglog.NewLogHelper(logger),
	}
	cb.UpdateConfig(cfg)
	return cb
}

// Config returns the active configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	cfg := cb.cfg.Load()
	return CircuitBreakerConfig{Enabled: cfg.Enabled, BackoffSteps: slices.Clone(cfg.BackoffSteps)}
}

// UpdateConfig swaps the configuration. Cooldowns already set keep their
// absolute expiry; only later failures use the new ladder.
func (cb *CircuitBreaker) UpdateConfig(cfg CircuitBreakerConfig) {
	steps := slices.Clone(cfg.BackoffSteps)
	if len(steps) == 0 {
		steps = DefaultBackoffSteps()
	}
	cb.cfg.Store(&CircuitBreakerConfig{Enabled: cfg.Enabled, BackoffSteps: steps})
	cb.log.RateLimit("circuit breaker config updated", "enabled", cfg.Enabled, "steps", steps)
}

// MarkRateLimited records a failure for the account (and model, when given).
func (cb *CircuitBreaker) MarkRateLimited(ctx context.Context, accountID string, status int, retryAfter, errorText, model string) RateLimitEntry {
	hint := ParseRetryAfter(retryAfter, errorText, cb.tracker.now())
	entry := cb.tracker.Record(accountID, model, status, hint, errorText, cb.cfg.Load().BackoffSteps)

	cb.log.RateLimit("account cooling down",
		"account_id", accountID,
		"model", entry.Model,
		"status", status,
		"failures", entry.ConsecutiveFailures,
		"stage", entry.BackoffStage,
		"cooldown_until", entry.CooldownUntil.Format(time.RFC3339),
	)

	if cb.repo != nil {
		if err := cb.repo.SaveCooldown(ctx, entry); err != nil {
			cb.log.Warnw("msg", "failed to mirror cooldown", "account_id", accountID, "error", err)
		}
	}
	return entry
}

// MarkSuccess resets the failure count of the account and model keys.
func (cb *CircuitBreaker) MarkSuccess(ctx context.Context, accountID, model string) {
	if !cb.tracker.Success(accountID, model) || cb.repo == nil {
		return
	}
	// the mirror is per account; re-save whatever other model keys remain
	if err := cb.repo.DeleteCooldowns(ctx, accountID); err != nil {
		cb.log.Warnw("msg", "failed to clear mirrored cooldown", "account_id", accountID, "error", err)
		return
	}
	for _, e := range cb.tracker.Snapshot() {
		if e.AccountID == accountID {
			_ = cb.repo.SaveCooldown(ctx, e)
		}
	}
}

// IsOpen reports whether the account may not serve model right now.
func (cb *CircuitBreaker) IsOpen(accountID, model string) bool {
	if !cb.cfg.Load().Enabled {
		return false
	}
	return cb.tracker.Blocked(accountID, model)
}

// Remaining returns the cooldown left, or 0 while the breaker is disabled.
func (cb *CircuitBreaker) Remaining(accountID, model string) time.Duration {
	if !cb.cfg.Load().Enabled {
		return 0
	}
	return cb.tracker.Remaining(accountID, model)
}

// Clear drops every cooldown of one account.
func (cb *CircuitBreaker) Clear(ctx context.Context, accountID string) bool {
	removed := cb.tracker.Clear(accountID)
	if cb.repo != nil {
		if err := cb.repo.DeleteCooldowns(ctx, accountID); err != nil {
			cb.log.Warnw("msg", "failed to clear mirrored cooldown", "account_id", accountID, "error", err)
		}
	}
	return removed
}

// ClearAll drops every cooldown.
func (cb *CircuitBreaker) ClearAll(ctx context.Context) int {
	n := cb.tracker.ClearAll()
	if cb.repo != nil {
		if err := cb.repo.DeleteAllCooldowns(ctx); err != nil {
			cb.log.Warnw("msg", "failed to clear mirrored cooldowns", "error", err)
		}
	}
	return n
}

// Snapshot lists the tracked entries.
func (cb *CircuitBreaker) Snapshot() []RateLimitEntry {
	return cb.tracker.Snapshot()
}

// Restore loads mirrored cooldowns, typically once at startup.
func (cb *CircuitBreaker) Restore(ctx context.Context) (int, error) {
	if cb.repo == nil {
		return 0, nil
	}
	entries, err := cb.repo.LoadCooldowns(ctx)
	if err != nil {
		return 0, err
	}
	return cb.tracker.Restore(entries), nil
}

// Sweep forgets entries whose cooldown ended longer ago than the top step.
func (cb *CircuitBreaker) Sweep() int {
	steps := cb.cfg.Load().BackoffSteps
	return len(cb.tracker.Sweep(steps[len(steps)-1]))
}
