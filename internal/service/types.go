package service

import (
	"encoding/json"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/pkg/metadata"
)

// Empty is the request or reply of calls without a payload.
type Empty struct{}

// AccountRequest addresses one account by id or email.
type AccountRequest struct {
	ID string `json:"id"`
}

// CreateAccountRequest imports an account.
type CreateAccountRequest struct {
	Email        string          `json:"email"`
	RefreshToken string          `json:"refresh_token"`
	AccessToken  string          `json:"access_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
	ProjectID    string          `json:"project_id,omitempty"`
	SortOrder    int             `json:"sort_order"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// AccountReply describes a stored account. Secrets are never returned.
type AccountReply struct {
	ID        string                    `json:"id"`
	Email     string                    `json:"email"`
	ProjectID string                    `json:"project_id,omitempty"`
	SortOrder int                       `json:"sort_order"`
	Metadata  *metadata.AccountMetadata `json:"metadata,omitempty"`
}

// ReauthorizeRequest replaces the refresh token of an account.
type ReauthorizeRequest struct {
	ID           string `json:"id"`
	RefreshToken string `json:"refresh_token"`
}

// SetDisabledRequest enables or disables an account.
type SetDisabledRequest struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled"`
	Reason   string `json:"reason,omitempty"`
}

// UpdateMetadataRequest replaces the metadata document of an account.
type UpdateMetadataRequest struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata"`
}

// PreferredAccountRequest pins selection to one account; an empty id unpins.
type PreferredAccountRequest struct {
	AccountID string `json:"account_id"`
}

// PreferredAccountReply is the pinned account, if any.
type PreferredAccountReply struct {
	AccountID string `json:"account_id"`
}

// ClearedReply counts the entries a clear call removed.
type ClearedReply struct {
	Cleared int `json:"cleared"`
}

// CircuitBreakerSettings is the admin form of biz.CircuitBreakerConfig.
// Steps are Go duration strings such as "1m".
type CircuitBreakerSettings struct {
	Enabled      bool     `json:"enabled"`
	BackoffSteps []string `json:"backoff_steps"`
}

// QuotaProtectionSettings is the admin form of biz.QuotaProtectionConfig.
type QuotaProtectionSettings struct {
	Enabled             bool     `json:"enabled"`
	ThresholdPercentage int      `json:"threshold_percentage"`
	MonitoredModels     []string `json:"monitored_models"`
	RelaxOnExhaustion   bool     `json:"relax_on_exhaustion"`
}

// SchedulingSettings is the admin form of biz.StickyConfig.
type SchedulingSettings struct {
	Mode        string `json:"mode"`
	MaxWait     string `json:"max_wait"`
	StickyTTL   string `json:"sticky_ttl"`
	MaxSessions int    `json:"max_sessions"`
}

// CredentialRefreshReply reports one credential refresh run.
type CredentialRefreshReply struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// QuotaRefreshReply reports one quota refresh run.
type QuotaRefreshReply struct {
	Updated int `json:"updated"`
}

// ListAuditRequest filters the audit log.
type ListAuditRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
}

// ListAuditReply lists audit events, newest first.
type ListAuditReply struct {
	Events []biz.AuditEvent `json:"events"`
}

// FallbackReply describes the fallback provider.
type FallbackReply struct {
	Configured bool                `json:"configured"`
	Status     *biz.FallbackStatus `json:"status,omitempty"`
}
