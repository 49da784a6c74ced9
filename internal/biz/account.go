package biz

import (
	"slices"
	"strings"
	"time"
)

// Exclusion reasons reported when an account cannot serve a request.
const (
	ExcludeDisabled          = "disabled"
	ExcludeProxyDisabled     = "proxy_disabled"
	ExcludeForbidden         = "forbidden"
	ExcludeValidationBlocked = "validation_blocked"
	ExcludeRateLimited       = "rate_limited"
	ExcludeQuotaProtected    = "quota_protected"
	ExcludePrevious          = "previous_attempt"
	ExcludeRefreshFailed     = "refresh_failed"
)

// Credential is the OAuth material of one upstream account.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// ProxyURL is the per-account egress proxy for token refreshes, if any.
	ProxyURL string
}

// NeedsRefresh reports whether the access token is missing or expires within skew.
func (c Credential) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// ModelQuota is the remaining share of one model's quota.
type ModelQuota struct {
	Name       string
	Percentage int
	ResetTime  time.Time
}

// QuotaSnapshot is the last quota report fetched for an account.
type QuotaSnapshot struct {
	Models           map[string]ModelQuota
	SubscriptionTier string
	IsForbidden      bool
	UpdatedAt        time.Time
}

// Percentage returns the remaining percentage for model, if known.
func (q *QuotaSnapshot) Percentage(model string) (int, bool) {
	if q == nil || model == "" {
		return 0, false
	}
	m, ok := q.Models[normalizeModel(model)]
	return m.Percentage, ok
}

func (q *QuotaSnapshot) clone() *QuotaSnapshot {
	if q == nil {
		return nil
	}
	out := *q
	if q.Models != nil {
		out.Models = make(map[string]ModelQuota, len(q.Models))
		for k, v := range q.Models {
			out.Models[k] = v
		}
	}
	return &out
}

// AccountRecord is one pooled upstream account. Records held by the pool are
// immutable: every mutation clones the record and swaps it in.
type AccountRecord struct {
	ID         string
	Email      string
	Credential Credential
	ProjectID  string

	Disabled       bool
	DisabledReason string
	DisabledAt     time.Time

	ProxyDisabled       bool
	ProxyDisabledReason string
	ProxyDisabledAt     time.Time

	IsForbidden     bool
	ForbiddenReason string

	ValidationBlocked       bool
	ValidationBlockedUntil  time.Time
	ValidationBlockedReason string

	// ProtectedModels lists models whose quota fell under the protection threshold.
	ProtectedModels []string
	Quota           *QuotaSnapshot

	SortOrder int
	LastUsed  time.Time
}

// Clone returns a deep copy of the record.
func (a *AccountRecord) Clone() *AccountRecord {
	if a == nil {
		return nil
	}
	out := *a
	out.ProtectedModels = slices.Clone(a.ProtectedModels)
	out.Quota = a.Quota.clone()
	return &out
}

// healthReason returns the first persistent health flag that makes the
// account unusable, or "" when it is healthy. Expired validation blocks do
// not count.
func (a *AccountRecord) healthReason(now time.Time) string {
	switch {
	case a.Disabled:
		return ExcludeDisabled
	case a.ProxyDisabled:
		return ExcludeProxyDisabled
	case a.IsForbidden:
		return ExcludeForbidden
	case a.ValidationBlocked && (a.ValidationBlockedUntil.IsZero() || now.Before(a.ValidationBlockedUntil)):
		return ExcludeValidationBlocked
	}
	return ""
}

// IsProtected reports whether model is listed in the account's protected set.
func (a *AccountRecord) IsProtected(model string) bool {
	if model == "" {
		return false
	}
	return slices.Contains(a.ProtectedModels, normalizeModel(model))
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
