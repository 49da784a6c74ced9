package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockQuotaFetcher is a mock implementation of QuotaFetcher for testing.
type MockQuotaFetcher struct {
	mock.Mock
}

func (m *MockQuotaFetcher) FetchQuota(ctx context.Context, accessToken, projectID string) (*QuotaSnapshot, error) {
	args := m.Called(ctx, accessToken, projectID)
	if v := args.Get(0); v != nil {
		return v.(*QuotaSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingAudit keeps every event in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingAudit) Record(ctx context.Context, e AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) types() []AuditEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestCredentialRefreshTask_RefreshExpiring(t *testing.T) {
	soon := testAccount("soon", 0)
	soon.Credential.ExpiresAt = testEpoch.Add(10 * time.Minute)
	later := testAccount("later", 1)
	disabled := testAccount("disabled", 2)
	disabled.Disabled = true
	disabled.Credential.ExpiresAt = testEpoch
	broken := testAccount("broken", 3)
	broken.Credential.ExpiresAt = testEpoch.Add(time.Minute)

	p := newTestPool(t, soon, later, disabled, broken)
	p.refresher.errs = map[string]error{"refresh-broken": errors.New("token endpoint unavailable")}
	task := NewCredentialRefreshTask(p.TokenManager, testLogger())

	res, err := task.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Checked: 4, Refreshed: 1, Failed: 1}, res)
	assert.Equal(t, int32(2), p.refresher.calls.Load())
	assert.Contains(t, p.repo.get("soon").Credential.AccessToken, "refresh-soon-access-")
	assert.Equal(t, "access-later", p.repo.get("later").Credential.AccessToken)

	// nothing is due any more except the broken account
	res, err = task.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Refreshed)
	assert.Equal(t, 1, res.Failed)
}

func TestCredentialRefreshTask_NothingDue(t *testing.T) {
	p := newTestPool(t, threeAccounts()...)
	task := NewCredentialRefreshTask(p.TokenManager, testLogger())

	res, err := task.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Checked: 3}, res)
	assert.Zero(t, p.refresher.calls.Load())
}

func TestQuotaRefreshTask_RefreshAll(t *testing.T) {
	a, b, c := testAccount("a", 0), testAccount("b", 1), testAccount("c", 2)
	c.ProxyDisabled = true
	p := newTestPool(t, a, b, c)
	ctx := context.Background()
	p.UpdateQuotaProtectionConfig(ctx, QuotaProtectionConfig{
		Enabled: true, ThresholdPercentage: 10, MonitoredModels: []string{"gemini-3-flash"},
	})

	fetcher := new(MockQuotaFetcher)
	fetcher.On("FetchQuota", ctx, "access-a", "project-a").Return(&QuotaSnapshot{
		SubscriptionTier: "standard-tier",
		Models:           map[string]ModelQuota{"gemini-3-flash": {Name: "gemini-3-flash", Percentage: 4}},
	}, nil)
	fetcher.On("FetchQuota", ctx, "access-b", "project-b").Return(nil, errors.New("quota endpoint timeout"))

	updated, err := NewQuotaRefreshTask(p.TokenManager, fetcher, testLogger()).RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	fetcher.AssertExpectations(t)
	fetcher.AssertNotCalled(t, "FetchQuota", ctx, "access-c", "project-c")

	stored := p.repo.get("a")
	assert.Equal(t, []string{"gemini-3-flash"}, stored.ProtectedModels)
	assert.Equal(t, "standard-tier", stored.Quota.SubscriptionTier)
	assert.Equal(t, "b", p.lease(t, TokenRequest{Model: "gemini-3-flash"}).AccountID)
}

func TestQuotaRefreshTask_ForbiddenSnapshot(t *testing.T) {
	p := newTestPool(t, testAccount("a", 0), testAccount("b", 1))
	ctx := context.Background()

	fetcher := new(MockQuotaFetcher)
	fetcher.On("FetchQuota", ctx, "access-a", "project-a").Return(&QuotaSnapshot{IsForbidden: true}, nil)
	fetcher.On("FetchQuota", ctx, "access-b", "project-b").Return(&QuotaSnapshot{}, nil)

	updated, err := NewQuotaRefreshTask(p.TokenManager, fetcher, testLogger()).RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	assert.True(t, p.repo.get("a").IsForbidden)
}

func TestQuotaRefreshTask_Cancelled(t *testing.T) {
	p := newTestPool(t, testAccount("a", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	updated, err := NewQuotaRefreshTask(p.TokenManager, new(MockQuotaFetcher), testLogger()).RefreshAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, updated)
}

func TestAuditEvents(t *testing.T) {
	a := testAccount("a", 0)
	a.Credential.ExpiresAt = testEpoch
	p := newTestPool(t, a, testAccount("b", 1), testAccount("c", 2))
	p.refresher.errs = map[string]error{"refresh-a": ErrInvalidGrant}
	rec := &recordingAudit{}
	p.auditLog = rec
	ctx := context.Background()

	p.lease(t, TokenRequest{})
	require.NoError(t, p.SetForbidden(ctx, "b", "denied"))
	require.NoError(t, p.SetValidationBlock(ctx, "c", testEpoch.Add(time.Minute), "verify"))
	p.MarkRateLimited(ctx, "c", 429, "", "", "")
	assert.True(t, p.ClearRateLimit(ctx, "c"))

	assert.Equal(t, []AuditEventType{
		AuditEventInvalidGrant,
		AuditEventForbidden,
		AuditEventValidationBlocked,
		AuditEventRateLimitCleared,
	}, rec.types())
	for _, e := range rec.events {
		assert.Equal(t, "system", e.Operator)
		assert.Equal(t, testEpoch, e.At)
	}
}
