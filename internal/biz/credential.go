package biz

import (
	"context"
	"time"
)

// refreshTimeout bounds one refresh run. The run is detached from the caller
// so a cancelled request cannot abort a refresh other callers wait on.
const refreshTimeout = 30 * time.Second

// projectRetryBackoff spaces out project resolution for an account whose
// last attempt failed.
const projectRetryBackoff = 5 * time.Minute

// ensureFresh returns acc with a credential valid for at least the refresh
// skew, refreshing it when needed. Concurrent callers for the same account
// share one refresh.
func (tm *TokenManager) ensureFresh(ctx context.Context, acc *AccountRecord) (*AccountRecord, error) {
	if !tm.needsProject(acc) && !acc.Credential.NeedsRefresh(tm.now(), tm.refreshSkew) {
		return acc, nil
	}
	return tm.refreshShared(ctx, acc.ID, tm.refreshSkew)
}

func (tm *TokenManager) refreshShared(ctx context.Context, id string, lead time.Duration) (*AccountRecord, error) {
	ch := tm.refresh.DoChan(id, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return tm.refreshAccount(runCtx, id, lead)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccountRecord), nil
	}
}

// refreshAccount is the single-flight leader. It re-checks freshness under
// the account lock, since another path may have refreshed in between.
func (tm *TokenManager) refreshAccount(ctx context.Context, id string, lead time.Duration) (*AccountRecord, error) {
	unlock := tm.lockAccount(id)
	defer unlock()

	cur := tm.accounts.Load().byID[id]
	if cur == nil {
		return nil, ErrAccountNotFound(id)
	}

	next := cur.Clone()
	changed := false

	if cur.Credential.NeedsRefresh(tm.now(), lead) {
		if tm.refresher == nil {
			return nil, ErrCredentialRefreshFailed(id, nil)
		}
		cred, err := tm.refresher.Refresh(ctx, cur.Credential)
		if err != nil {
			if IsInvalidGrant(err) {
				tm.disableInvalidGrant(ctx, cur)
			}
			return nil, err
		}
		if cred.RefreshToken == "" {
			cred.RefreshToken = cur.Credential.RefreshToken
		}
		next.Credential = cred
		changed = true
		tm.log.Token("credential refreshed",
			"account_id", id, "email", cur.Email, "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	}

	if tm.needsProject(next) {
		project, tier, err := tm.projects.ResolveProject(ctx, next.Credential.AccessToken)
		if err != nil || project == "" {
			// the lease still works without a project
			tm.projectRetry.Store(id, tm.now().Add(projectRetryBackoff))
			tm.log.Warnw("msg", "failed to resolve project id", "account_id", id,
				"retry_in", projectRetryBackoff.String(), "error", err)
		} else {
			tm.projectRetry.Delete(id)
			next.ProjectID = project
			if tier != "" {
				if next.Quota == nil {
					next.Quota = &QuotaSnapshot{}
				}
				next.Quota.SubscriptionTier = tier
			}
			changed = true
		}
	}

	if !changed {
		return cur, nil
	}
	// a storage failure must not fail the lease; commit already logged it
	_ = tm.commit(ctx, next)
	return next, nil
}

// needsProject reports whether acc lacks a project id and resolution is not
// backing off after a failure.
func (tm *TokenManager) needsProject(acc *AccountRecord) bool {
	if acc.ProjectID != "" || tm.projects == nil {
		return false
	}
	if v, ok := tm.projectRetry.Load(acc.ID); ok && tm.now().Before(v.(time.Time)) {
		return false
	}
	return true
}

// disableInvalidGrant takes an account with a revoked refresh token out of
// rotation until an operator re-authorizes it. Caller holds the account lock.
func (tm *TokenManager) disableInvalidGrant(ctx context.Context, cur *AccountRecord) {
	next := cur.Clone()
	next.ProxyDisabled = true
	next.ProxyDisabledReason = "invalid_grant"
	next.ProxyDisabledAt = tm.now()
	_ = tm.commit(ctx, next)
	tm.sessions.UnbindAccount(cur.ID)
	tm.log.Account("refresh token revoked, account proxy-disabled",
		"account_id", cur.ID, "email", cur.Email)
	tm.audit(ctx, cur.ID, AuditEventInvalidGrant, nil)
}

// AccessToken returns a fresh access token and the project id of an account,
// for background collaborators such as the quota task.
func (tm *TokenManager) AccessToken(ctx context.Context, key string) (token, projectID string, err error) {
	acc := tm.accounts.Load().lookup(key)
	if acc == nil {
		return "", "", ErrAccountNotFound(key)
	}
	fresh, err := tm.ensureFresh(ctx, acc)
	if err != nil {
		return "", "", ErrCredentialRefreshFailed(acc.ID, err)
	}
	return fresh.Credential.AccessToken, fresh.ProjectID, nil
}

// RefreshExpiring refreshes one account when its credential expires within
// lead, which may be wider than the pool's refresh skew. It reports whether
// the credential needed a refresh.
func (tm *TokenManager) RefreshExpiring(ctx context.Context, id string, lead time.Duration) (bool, error) {
	acc := tm.accounts.Load().byID[id]
	if acc == nil {
		return false, ErrAccountNotFound(id)
	}
	if !acc.Credential.NeedsRefresh(tm.now(), lead) {
		return false, nil
	}
	if _, err := tm.refreshShared(ctx, acc.ID, lead); err != nil {
		return false, err
	}
	return true, nil
}
