package biz

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// LoadAccounts replaces the pool with the accounts in the store. Sticky
// bindings pointing at accounts that disappeared are dropped. An in-memory
// credential with the same refresh token and a later expiry wins over the
// stored one.
func (tm *TokenManager) LoadAccounts(ctx context.Context) (int, error) {
	if tm.repo == nil {
		return 0, ErrStorage("load accounts", fmt.Errorf("no account repository configured"))
	}
	records, err := tm.repo.LoadAccounts(ctx)
	if err != nil {
		return 0, ErrStorage("load accounts", err)
	}

	tm.writeMu.Lock()
	old := tm.accounts.Load()
	for _, rec := range records {
		// a refresh committed after the read must not be rolled back
		if mem := old.byID[rec.ID]; mem != nil &&
			mem.Credential.RefreshToken == rec.Credential.RefreshToken &&
			mem.Credential.ExpiresAt.After(rec.Credential.ExpiresAt) {
			rec.Credential = mem.Credential
		}
	}
	next := newAccountSet(records)
	tm.accounts.Store(next)
	tm.writeMu.Unlock()

	for id := range old.byID {
		if _, ok := next.byID[id]; !ok {
			tm.sessions.UnbindAccount(id)
			tm.lastUsed.Delete(id)
			tm.projectRetry.Delete(id)
		}
	}

	tm.log.Pool("accounts loaded", "count", len(next.list), "previous", len(old.list))
	return len(next.list), nil
}

// ReloadAllAccounts is LoadAccounts for callers that only care about errors.
func (tm *TokenManager) ReloadAllAccounts(ctx context.Context) error {
	_, err := tm.LoadAccounts(ctx)
	return err
}

// ReloadAccount re-reads one account from the store. An account that no
// longer exists is removed from the pool.
func (tm *TokenManager) ReloadAccount(ctx context.Context, id string) error {
	if tm.repo == nil {
		return ErrStorage("reload account", fmt.Errorf("no account repository configured"))
	}
	unlock := tm.lockAccount(id)
	defer unlock()

	rec, err := tm.repo.GetAccount(ctx, id)
	if err != nil {
		if IsAccountNotFound(err) {
			tm.unpublish(id)
			tm.log.Pool("account removed on reload", "account_id", id)
			return nil
		}
		return ErrStorage("reload account", err)
	}
	tm.publish(rec)
	tm.log.Pool("account reloaded", "account_id", id, "email", rec.Email)
	return nil
}

// RequestReload queues an account for the next housekeeping run.
func (tm *TokenManager) RequestReload(id string) {
	tm.pendingMu.Lock()
	tm.pendingReload[id] = struct{}{}
	tm.pendingMu.Unlock()
}

// RequestDelete queues an account for removal. Removal happens before the
// next selection, so no new lease is handed out for it.
func (tm *TokenManager) RequestDelete(id string) {
	tm.pendingMu.Lock()
	tm.pendingDelete[id] = struct{}{}
	delete(tm.pendingReload, id)
	tm.pendingMu.Unlock()
}

func (tm *TokenManager) applyPendingDeletes() {
	tm.pendingMu.Lock()
	if len(tm.pendingDelete) == 0 {
		tm.pendingMu.Unlock()
		return
	}
	ids := make([]string, 0, len(tm.pendingDelete))
	for id := range tm.pendingDelete {
		ids = append(ids, id)
	}
	clear(tm.pendingDelete)
	tm.pendingMu.Unlock()

	tm.unpublish(ids...)
	tm.log.Pool("pending deletions applied", "accounts", ids)
}

func (tm *TokenManager) applyPendingReloads(ctx context.Context) {
	tm.pendingMu.Lock()
	ids := make([]string, 0, len(tm.pendingReload))
	for id := range tm.pendingReload {
		ids = append(ids, id)
	}
	clear(tm.pendingReload)
	tm.pendingMu.Unlock()

	for _, id := range ids {
		if err := tm.ReloadAccount(ctx, id); err != nil {
			tm.log.Errorw("msg", "pending reload failed, requeued", "account_id", id, "error", err)
			tm.RequestReload(id)
		}
	}
}

// MarkAccountSuccess resets the failure count of the account and model.
// key is an account id or email.
func (tm *TokenManager) MarkAccountSuccess(ctx context.Context, key, model string) {
	if acc := tm.accounts.Load().lookup(key); acc != nil {
		key = acc.ID
	}
	tm.breaker.MarkSuccess(ctx, key, model)
}

// MarkRateLimited records an upstream failure against the account and
// returns the resulting cooldown entry. key is an account id or email.
func (tm *TokenManager) MarkRateLimited(ctx context.Context, key string, status int, retryAfter, errorText, model string) RateLimitEntry {
	if acc := tm.accounts.Load().lookup(key); acc != nil {
		key = acc.ID
	}
	return tm.breaker.MarkRateLimited(ctx, key, status, retryAfter, errorText, model)
}

// SetForbidden flags the account as forbidden and drops its sessions.
func (tm *TokenManager) SetForbidden(ctx context.Context, key, reason string) error {
	acc, err := tm.mutate(ctx, key, func(a *AccountRecord) {
		a.IsForbidden = true
		a.ForbiddenReason = truncate(reason, 512)
	})
	if acc == nil {
		return err
	}
	tm.sessions.UnbindAccount(acc.ID)
	tm.log.Account("account forbidden", "account_id", acc.ID, "email", acc.Email, "reason", truncate(reason, 200))
	tm.audit(ctx, acc.ID, AuditEventForbidden, map[string]interface{}{"reason": truncate(reason, 512)})
	return err
}

// InvalidateCredential drops an access token the upstream rejected, so the
// next lease of the account goes through the refresh path. A token that was
// already replaced by a refresh is left alone.
func (tm *TokenManager) InvalidateCredential(ctx context.Context, key, accessToken string) error {
	acc := tm.accounts.Load().lookup(key)
	if acc == nil {
		return ErrAccountNotFound(key)
	}
	unlock := tm.lockAccount(acc.ID)
	defer unlock()

	cur := tm.accounts.Load().byID[acc.ID]
	if cur == nil {
		return ErrAccountNotFound(key)
	}
	if cur.Credential.AccessToken == "" || (accessToken != "" && cur.Credential.AccessToken != accessToken) {
		return nil
	}
	next := cur.Clone()
	next.Credential.AccessToken = ""
	next.Credential.ExpiresAt = time.Time{}
	tm.log.Token("access token rejected upstream, refresh required", "account_id", cur.ID, "email", cur.Email)
	return tm.commit(ctx, next)
}

// SetValidationBlock blocks the account until the given time.
func (tm *TokenManager) SetValidationBlock(ctx context.Context, key string, until time.Time, reason string) error {
	acc, err := tm.mutate(ctx, key, func(a *AccountRecord) {
		a.ValidationBlocked = true
		a.ValidationBlockedUntil = until
		a.ValidationBlockedReason = truncate(reason, 512)
	})
	if acc == nil {
		return err
	}
	tm.sessions.UnbindAccount(acc.ID)
	tm.log.Account("account blocked pending validation",
		"account_id", acc.ID, "email", acc.Email, "until", until.Format(time.RFC3339))
	tm.audit(ctx, acc.ID, AuditEventValidationBlocked, map[string]interface{}{
		"until":  until.Format(time.RFC3339),
		"reason": truncate(reason, 512),
	})
	return err
}

// SetDisabled toggles the user-level disable flag.
func (tm *TokenManager) SetDisabled(ctx context.Context, key string, disabled bool, reason string) error {
	acc, err := tm.mutate(ctx, key, func(a *AccountRecord) {
		a.Disabled = disabled
		if disabled {
			a.DisabledReason = truncate(reason, 512)
			a.DisabledAt = tm.now()
		} else {
			a.DisabledReason = ""
			a.DisabledAt = time.Time{}
		}
	})
	if acc == nil {
		return err
	}
	if disabled {
		tm.sessions.UnbindAccount(acc.ID)
	}
	tm.log.Account("account disabled flag changed", "account_id", acc.ID, "disabled", disabled)
	tm.audit(ctx, acc.ID, AuditEventDisabledChanged, map[string]interface{}{"disabled": disabled, "reason": reason})
	return err
}

// ReplaceCredential installs a re-authorized refresh token. It lifts an
// invalid_grant proxy disable and a forbidden flag; the access token is
// fetched on the next lease.
func (tm *TokenManager) ReplaceCredential(ctx context.Context, key, refreshToken string) error {
	if refreshToken == "" {
		return ErrInvalidAccount("refresh token is required")
	}
	acc, err := tm.mutate(ctx, key, func(a *AccountRecord) {
		a.Credential = Credential{RefreshToken: refreshToken, ProxyURL: a.Credential.ProxyURL}
		if a.ProxyDisabled && a.ProxyDisabledReason == "invalid_grant" {
			a.ProxyDisabled = false
			a.ProxyDisabledReason = ""
			a.ProxyDisabledAt = time.Time{}
		}
		a.IsForbidden = false
		a.ForbiddenReason = ""
	})
	if acc == nil {
		return err
	}
	tm.breaker.Clear(ctx, acc.ID)
	tm.log.Account("account re-authorized", "account_id", acc.ID, "email", acc.Email)
	tm.audit(ctx, acc.ID, AuditEventReauthorized, nil)
	return err
}

// UpdateQuota stores a fresh quota snapshot and recomputes the protected
// models. A snapshot reporting 403 marks the account forbidden.
func (tm *TokenManager) UpdateQuota(ctx context.Context, key string, q *QuotaSnapshot) error {
	if q == nil {
		return nil
	}
	cfg := tm.quotaCfg.Load()
	var before []string
	acc, err := tm.mutate(ctx, key, func(a *AccountRecord) {
		before = a.ProtectedModels
		next := q.clone()
		if next.SubscriptionTier == "" && a.Quota != nil {
			next.SubscriptionTier = a.Quota.SubscriptionTier
		}
		a.Quota = next
		a.ProtectedModels = cfg.ProtectedModelsFor(q)
		if q.IsForbidden {
			a.IsForbidden = true
			a.ForbiddenReason = "quota endpoint returned 403"
		}
	})
	if acc == nil {
		return err
	}
	if !slices.Equal(before, acc.ProtectedModels) {
		tm.log.Quota("protected models changed",
			"account_id", acc.ID, "before", before, "after", acc.ProtectedModels)
		tm.audit(ctx, acc.ID, AuditEventProtectedModels, map[string]interface{}{
			"before": before,
			"after":  acc.ProtectedModels,
		})
	}
	if q.IsForbidden {
		tm.sessions.UnbindAccount(acc.ID)
		tm.log.Account("account forbidden by quota endpoint", "account_id", acc.ID, "email", acc.Email)
		tm.audit(ctx, acc.ID, AuditEventForbidden, map[string]interface{}{"reason": "quota endpoint returned 403"})
	}
	return err
}

// PreferredAccount returns the pinned account id, or "".
func (tm *TokenManager) PreferredAccount() string {
	return *tm.preferred.Load()
}

// SetPreferredAccount pins selection to one account. An empty id unpins.
func (tm *TokenManager) SetPreferredAccount(id string) error {
	if id != "" {
		acc := tm.accounts.Load().lookup(id)
		if acc == nil {
			return ErrAccountNotFound(id)
		}
		id = acc.ID
	}
	tm.preferred.Store(&id)
	tm.log.Pool("preferred account changed", "account_id", id)
	return nil
}

// ClearAllSessions drops every sticky binding.
func (tm *TokenManager) ClearAllSessions() int {
	n := tm.sessions.Clear()
	tm.log.Session("sticky sessions cleared", "count", n)
	return n
}

// ClearRateLimit drops every cooldown of one account.
func (tm *TokenManager) ClearRateLimit(ctx context.Context, key string) bool {
	if acc := tm.accounts.Load().lookup(key); acc != nil {
		key = acc.ID
	}
	removed := tm.breaker.Clear(ctx, key)
	if removed {
		tm.audit(ctx, key, AuditEventRateLimitCleared, nil)
	}
	return removed
}

// ClearAllRateLimits drops every cooldown.
func (tm *TokenManager) ClearAllRateLimits(ctx context.Context) int {
	return tm.breaker.ClearAll(ctx)
}

// UpdateCircuitBreakerConfig swaps the breaker configuration.
func (tm *TokenManager) UpdateCircuitBreakerConfig(cfg CircuitBreakerConfig) {
	tm.breaker.UpdateConfig(cfg)
}

// CircuitBreakerConfig returns the active breaker configuration.
func (tm *TokenManager) CircuitBreakerConfig() CircuitBreakerConfig {
	return tm.breaker.Config()
}

// UpdateQuotaProtectionConfig swaps the protection settings and recomputes
// the protected models of every account that has a quota snapshot.
func (tm *TokenManager) UpdateQuotaProtectionConfig(ctx context.Context, cfg QuotaProtectionConfig) {
	cfg = cfg.normalized()
	tm.quotaCfg.Store(&cfg)
	for _, acc := range tm.accounts.Load().list {
		if acc.Quota == nil {
			continue
		}
		want := cfg.ProtectedModelsFor(acc.Quota)
		if slices.Equal(want, acc.ProtectedModels) {
			continue
		}
		_, _ = tm.mutate(ctx, acc.ID, func(a *AccountRecord) { a.ProtectedModels = want })
	}
	tm.log.Quota("quota protection config updated",
		"enabled", cfg.Enabled, "threshold", cfg.ThresholdPercentage, "models", cfg.MonitoredModels)
}

// QuotaProtectionConfig returns the active protection settings.
func (tm *TokenManager) QuotaProtectionConfig() QuotaProtectionConfig {
	cfg := *tm.quotaCfg.Load()
	cfg.MonitoredModels = slices.Clone(cfg.MonitoredModels)
	return cfg
}

// UpdateStickyConfig swaps the scheduling settings. A new TTL applies to
// existing bindings; MaxSessions only takes effect on restart.
func (tm *TokenManager) UpdateStickyConfig(cfg StickyConfig) {
	if cfg.Mode == "" {
		cfg.Mode = tm.stickyCfg.Load().Mode
	}
	tm.stickyCfg.Store(&cfg)
	tm.sessions.SetTTL(cfg.TTL)
	tm.log.Session("scheduling config updated", "mode", cfg.Mode, "ttl", cfg.TTL.String(), "max_wait", cfg.MaxWait.String())
}

// StickyConfig returns the active scheduling settings.
func (tm *TokenManager) StickyConfig() StickyConfig {
	return *tm.stickyCfg.Load()
}

// AccountStatus is the admin view of one pooled account.
type AccountStatus struct {
	ID                string           `json:"id"`
	Email             string           `json:"email"`
	ProjectID         string           `json:"project_id,omitempty"`
	Eligible          bool             `json:"eligible"`
	Reason            string           `json:"reason,omitempty"`
	Disabled          bool             `json:"disabled"`
	ProxyDisabled     bool             `json:"proxy_disabled"`
	Forbidden         bool             `json:"forbidden"`
	ValidationBlocked bool             `json:"validation_blocked"`
	ProtectedModels   []string         `json:"protected_models,omitempty"`
	CooldownMs        int64            `json:"cooldown_ms"`
	ExpiresAt         time.Time        `json:"expires_at"`
	LastUsed          time.Time        `json:"last_used,omitempty"`
	Quota             map[string]int   `json:"quota,omitempty"`
	Cooldowns         []RateLimitEntry `json:"cooldowns,omitempty"`
}

// PoolStatus is a point-in-time view of the pool.
type PoolStatus struct {
	Accounts         []AccountStatus `json:"accounts"`
	Available        int             `json:"available"`
	Sessions         int             `json:"sessions"`
	PreferredAccount string          `json:"preferred_account,omitempty"`
	Mode             string          `json:"mode"`
	BreakerEnabled   bool            `json:"breaker_enabled"`
}

// Status builds the admin snapshot of the pool.
func (tm *TokenManager) Status() PoolStatus {
	now := tm.now()
	set := tm.accounts.Load()

	cooldowns := make(map[string][]RateLimitEntry)
	for _, e := range tm.breaker.Snapshot() {
		cooldowns[e.AccountID] = append(cooldowns[e.AccountID], e)
	}

	st := PoolStatus{
		Accounts:         make([]AccountStatus, 0, len(set.list)),
		Sessions:         tm.sessions.Len(),
		PreferredAccount: tm.PreferredAccount(),
		Mode:             tm.stickyCfg.Load().Mode,
		BreakerEnabled:   tm.breaker.Config().Enabled,
	}
	for _, acc := range set.list {
		reason := tm.ineligible(acc, "", now)
		as := AccountStatus{
			ID:                acc.ID,
			Email:             acc.Email,
			ProjectID:         acc.ProjectID,
			Eligible:          reason == "",
			Reason:            reason,
			Disabled:          acc.Disabled,
			ProxyDisabled:     acc.ProxyDisabled,
			Forbidden:         acc.IsForbidden,
			ValidationBlocked: acc.healthReason(now) == ExcludeValidationBlocked,
			ProtectedModels:   slices.Clone(acc.ProtectedModels),
			CooldownMs:        tm.breaker.Remaining(acc.ID, "").Milliseconds(),
			ExpiresAt:         acc.Credential.ExpiresAt,
			LastUsed:          acc.LastUsed,
			Cooldowns:         cooldowns[acc.ID],
		}
		if v, ok := tm.lastUsed.Load(acc.ID); ok {
			as.LastUsed = v.(time.Time)
		}
		if acc.Quota != nil && len(acc.Quota.Models) > 0 {
			as.Quota = make(map[string]int, len(acc.Quota.Models))
			for name, mq := range acc.Quota.Models {
				as.Quota[name] = mq.Percentage
			}
		}
		if as.Eligible {
			st.Available++
		}
		st.Accounts = append(st.Accounts, as)
	}
	return st
}

// Accounts returns copies of the pooled records.
func (tm *TokenManager) Accounts() []*AccountRecord {
	set := tm.accounts.Load()
	out := make([]*AccountRecord, 0, len(set.list))
	for _, acc := range set.list {
		out = append(out, acc.Clone())
	}
	return out
}
