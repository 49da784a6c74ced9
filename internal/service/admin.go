package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"
	"ProxyLane/pkg/metadata"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// ReasonInvalidArgument rejects malformed admin requests.
const ReasonInvalidArgument = "INVALID_ARGUMENT"

func errInvalidArgument(format string, args ...interface{}) error {
	return errors.BadRequest(ReasonInvalidArgument, fmt.Sprintf(format, args...))
}

// AdminService exposes pool administration.
type AdminService struct {
	pool     *biz.TokenManager
	accounts *biz.AccountUsecase
	dispatch *biz.Dispatcher
	creds    *biz.CredentialRefreshTask
	quota    *biz.QuotaRefreshTask
	audit    biz.AuditReader
	logger   *log.Helper
}

// NewAdminService creates an AdminService.
func NewAdminService(
	pool *biz.TokenManager,
	accounts *biz.AccountUsecase,
	dispatch *biz.Dispatcher,
	creds *biz.CredentialRefreshTask,
	quota *biz.QuotaRefreshTask,
	audit biz.AuditReader,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		pool:     pool,
		accounts: accounts,
		dispatch: dispatch,
		creds:    creds,
		quota:    quota,
		audit:    audit,
		logger:   log.NewHelper(logger),
	}
}

// PoolStatus returns the live view of every pooled account.
func (s *AdminService) PoolStatus(ctx context.Context, _ *Empty) (*biz.PoolStatus, error) {
	st := s.pool.Status()
	return &st, nil
}

// CreateAccount imports an account and adds it to the pool.
func (s *AdminService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*AccountReply, error) {
	meta, err := metadata.Parse(req.Metadata)
	if err != nil {
		return nil, errInvalidArgument("%v", err)
	}

	rec, err := s.accounts.Create(ctx, &biz.NewAccount{
		Email:        req.Email,
		RefreshToken: req.RefreshToken,
		AccessToken:  req.AccessToken,
		ExpiresAt:    req.ExpiresAt,
		ProjectID:    req.ProjectID,
		SortOrder:    req.SortOrder,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.logger.Errorw("msg", "failed to create account", "error", err)
		return nil, err
	}

	reply := &AccountReply{ID: rec.ID, Email: rec.Email, ProjectID: rec.ProjectID, SortOrder: rec.SortOrder}
	if !meta.IsEmpty() {
		reply.Metadata = meta.MaskSensitive()
	}
	return reply, nil
}

// DeleteAccount removes an account from the store and the pool.
func (s *AdminService) DeleteAccount(ctx context.Context, req *AccountRequest) (*Empty, error) {
	if err := s.accounts.Delete(ctx, req.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ReauthorizeAccount installs a new refresh token.
func (s *AdminService) ReauthorizeAccount(ctx context.Context, req *ReauthorizeRequest) (*Empty, error) {
	if err := s.accounts.Reauthorize(ctx, req.ID, req.RefreshToken); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// SetAccountDisabled enables or disables an account.
func (s *AdminService) SetAccountDisabled(ctx context.Context, req *SetDisabledRequest) (*Empty, error) {
	if err := s.accounts.SetDisabled(ctx, req.ID, req.Disabled, req.Reason); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// UpdateAccountMetadata replaces the metadata of an account.
func (s *AdminService) UpdateAccountMetadata(ctx context.Context, req *UpdateMetadataRequest) (*Empty, error) {
	if err := s.accounts.UpdateMetadata(ctx, req.ID, req.Metadata); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ReloadAccount re-reads one account from the store.
func (s *AdminService) ReloadAccount(ctx context.Context, req *AccountRequest) (*Empty, error) {
	if err := s.pool.ReloadAccount(ctx, req.ID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ReloadAllAccounts re-reads the whole pool.
func (s *AdminService) ReloadAllAccounts(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.pool.ReloadAllAccounts(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// GetPreferredAccount returns the pinned account.
func (s *AdminService) GetPreferredAccount(ctx context.Context, _ *Empty) (*PreferredAccountReply, error) {
	return &PreferredAccountReply{AccountID: s.pool.PreferredAccount()}, nil
}

// SetPreferredAccount pins or unpins the preferred account.
func (s *AdminService) SetPreferredAccount(ctx context.Context, req *PreferredAccountRequest) (*PreferredAccountReply, error) {
	if err := s.pool.SetPreferredAccount(strings.TrimSpace(req.AccountID)); err != nil {
		return nil, err
	}
	return &PreferredAccountReply{AccountID: s.pool.PreferredAccount()}, nil
}

// ClearRateLimits drops every cooldown.
func (s *AdminService) ClearRateLimits(ctx context.Context, _ *Empty) (*ClearedReply, error) {
	return &ClearedReply{Cleared: s.pool.ClearAllRateLimits(ctx)}, nil
}

// ClearAccountRateLimits drops the cooldowns of one account.
func (s *AdminService) ClearAccountRateLimits(ctx context.Context, req *AccountRequest) (*ClearedReply, error) {
	reply := &ClearedReply{}
	if s.pool.ClearRateLimit(ctx, req.ID) {
		reply.Cleared = 1
	}
	return reply, nil
}

// ClearSessions drops every sticky session binding.
func (s *AdminService) ClearSessions(ctx context.Context, _ *Empty) (*ClearedReply, error) {
	return &ClearedReply{Cleared: s.pool.ClearAllSessions()}, nil
}

// GetCircuitBreaker returns the breaker settings.
func (s *AdminService) GetCircuitBreaker(ctx context.Context, _ *Empty) (*CircuitBreakerSettings, error) {
	cfg := s.pool.CircuitBreakerConfig()
	steps := make([]string, len(cfg.BackoffSteps))
	for i, d := range cfg.BackoffSteps {
		steps[i] = d.String()
	}
	return &CircuitBreakerSettings{Enabled: cfg.Enabled, BackoffSteps: steps}, nil
}

// UpdateCircuitBreaker swaps the breaker settings. Steps must be positive
// and non-decreasing.
func (s *AdminService) UpdateCircuitBreaker(ctx context.Context, req *CircuitBreakerSettings) (*CircuitBreakerSettings, error) {
	cfg := biz.CircuitBreakerConfig{Enabled: req.Enabled}
	for i, raw := range req.BackoffSteps {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, errInvalidArgument("backoff_steps[%d]: %q is not a positive duration", i, raw)
		}
		if i > 0 && d < cfg.BackoffSteps[i-1] {
			return nil, errInvalidArgument("backoff_steps must not decrease")
		}
		cfg.BackoffSteps = append(cfg.BackoffSteps, d)
	}
	s.pool.UpdateCircuitBreakerConfig(cfg)
	return s.GetCircuitBreaker(ctx, nil)
}

// GetQuotaProtection returns the protection settings.
func (s *AdminService) GetQuotaProtection(ctx context.Context, _ *Empty) (*QuotaProtectionSettings, error) {
	cfg := s.pool.QuotaProtectionConfig()
	return &QuotaProtectionSettings{
		Enabled:             cfg.Enabled,
		ThresholdPercentage: cfg.ThresholdPercentage,
		MonitoredModels:     cfg.MonitoredModels,
		RelaxOnExhaustion:   cfg.RelaxOnExhaustion,
	}, nil
}

// UpdateQuotaProtection swaps the protection settings and recomputes every
// account's protected models.
func (s *AdminService) UpdateQuotaProtection(ctx context.Context, req *QuotaProtectionSettings) (*QuotaProtectionSettings, error) {
	if req.ThresholdPercentage < 0 || req.ThresholdPercentage > 100 {
		return nil, errInvalidArgument("threshold_percentage must be within [0, 100]")
	}
	s.pool.UpdateQuotaProtectionConfig(ctx, biz.QuotaProtectionConfig{
		Enabled:             req.Enabled,
		ThresholdPercentage: req.ThresholdPercentage,
		MonitoredModels:     req.MonitoredModels,
		RelaxOnExhaustion:   req.RelaxOnExhaustion,
	})
	return s.GetQuotaProtection(ctx, nil)
}

// GetScheduling returns the scheduling settings.
func (s *AdminService) GetScheduling(ctx context.Context, _ *Empty) (*SchedulingSettings, error) {
	cfg := s.pool.StickyConfig()
	return &SchedulingSettings{
		Mode:        cfg.Mode,
		MaxWait:     cfg.MaxWait.String(),
		StickyTTL:   cfg.TTL.String(),
		MaxSessions: cfg.MaxSessions,
	}, nil
}

// UpdateScheduling swaps the scheduling settings. Empty fields keep their
// current value.
func (s *AdminService) UpdateScheduling(ctx context.Context, req *SchedulingSettings) (*SchedulingSettings, error) {
	cfg := s.pool.StickyConfig()
	switch req.Mode {
	case "":
	case conf.ModeCacheFirst, conf.ModeBalance, conf.ModePerformanceFirst:
		cfg.Mode = req.Mode
	default:
		return nil, errInvalidArgument("unknown scheduling mode %q", req.Mode)
	}
	if req.MaxWait != "" {
		d, err := time.ParseDuration(req.MaxWait)
		if err != nil || d < 0 {
			return nil, errInvalidArgument("max_wait: %q is not a valid duration", req.MaxWait)
		}
		cfg.MaxWait = d
	}
	if req.StickyTTL != "" {
		d, err := time.ParseDuration(req.StickyTTL)
		if err != nil || d <= 0 {
			return nil, errInvalidArgument("sticky_ttl: %q is not a positive duration", req.StickyTTL)
		}
		cfg.TTL = d
	}
	if req.MaxSessions > 0 {
		cfg.MaxSessions = req.MaxSessions
	}
	s.pool.UpdateStickyConfig(cfg)
	return s.GetScheduling(ctx, nil)
}

// RefreshCredentials refreshes every credential close to expiry now.
func (s *AdminService) RefreshCredentials(ctx context.Context, _ *Empty) (*CredentialRefreshReply, error) {
	res, err := s.creds.RefreshExpiring(ctx)
	if err != nil {
		return nil, err
	}
	return &CredentialRefreshReply{Checked: res.Checked, Refreshed: res.Refreshed, Failed: res.Failed}, nil
}

// RefreshQuota fetches the quota of every usable account now.
func (s *AdminService) RefreshQuota(ctx context.Context, _ *Empty) (*QuotaRefreshReply, error) {
	n, err := s.quota.RefreshAll(ctx)
	if err != nil {
		return nil, err
	}
	return &QuotaRefreshReply{Updated: n}, nil
}

// ListAudit returns recorded account health changes.
func (s *AdminService) ListAudit(ctx context.Context, req *ListAuditRequest) (*ListAuditReply, error) {
	events, err := s.audit.ListAuditEvents(ctx, req.AccountID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListAuditReply{Events: events}, nil
}

// FallbackStatus reports the fallback provider state and probes it.
func (s *AdminService) FallbackStatus(ctx context.Context, _ *Empty) (*FallbackReply, error) {
	st, ok := s.dispatch.FallbackStatus(ctx)
	if !ok {
		return &FallbackReply{}, nil
	}
	return &FallbackReply{Configured: true, Status: &st}, nil
}
