package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"ProxyLane/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCooldownRepo is a mock implementation of CooldownRepo for testing.
type MockCooldownRepo struct {
	mock.Mock
}

func (m *MockCooldownRepo) SaveCooldown(ctx context.Context, entry RateLimitEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockCooldownRepo) DeleteCooldowns(ctx context.Context, accountID string) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

func (m *MockCooldownRepo) DeleteAllCooldowns(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCooldownRepo) LoadCooldowns(ctx context.Context) ([]RateLimitEntry, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]RateLimitEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTestBreaker(cfg CircuitBreakerConfig, repo CooldownRepo) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(cfg, repo, testLogger())
	cb.tracker.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	cb, clock := newTestBreaker(DefaultCircuitBreakerConfig(), nil)
	ctx := context.Background()

	e := cb.MarkRateLimited(ctx, "acc-1", 429, "", "Resource has been exhausted", "")
	assert.Equal(t, uint32(1), e.ConsecutiveFailures)
	assert.True(t, cb.IsOpen("acc-1", "gemini-3-flash"))
	assert.Equal(t, time.Minute, cb.Remaining("acc-1", ""))

	clock.Advance(time.Minute)
	assert.False(t, cb.IsOpen("acc-1", ""))

	cb.MarkRateLimited(ctx, "acc-1", 429, "", "", "")
	cb.MarkSuccess(ctx, "acc-1", "")
	assert.False(t, cb.IsOpen("acc-1", ""))
	assert.Empty(t, cb.Snapshot())
}

func TestCircuitBreaker_UsesRetryAfterHeader(t *testing.T) {
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig(), nil)

	cb.MarkRateLimited(context.Background(), "acc-1", 429, "600", "", "")
	assert.Equal(t, 10*time.Minute, cb.Remaining("acc-1", ""))
}

func TestCircuitBreaker_DisabledStillRecords(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Enabled: false}, nil)
	ctx := context.Background()

	cb.MarkRateLimited(ctx, "acc-1", 429, "", "", "")
	assert.False(t, cb.IsOpen("acc-1", ""))
	assert.Zero(t, cb.Remaining("acc-1", ""))
	assert.Len(t, cb.Snapshot(), 1)

	cb.UpdateConfig(CircuitBreakerConfig{Enabled: true})
	assert.True(t, cb.IsOpen("acc-1", ""))
}

func TestCircuitBreaker_UpdateConfigKeepsExistingExpiry(t *testing.T) {
	cb, clock := newTestBreaker(DefaultCircuitBreakerConfig(), nil)
	ctx := context.Background()

	cb.MarkRateLimited(ctx, "acc-1", 429, "", "", "")
	cb.UpdateConfig(CircuitBreakerConfig{Enabled: true, BackoffSteps: []time.Duration{10 * time.Second}})

	assert.Equal(t, time.Minute, cb.Remaining("acc-1", ""))
	assert.Equal(t, []time.Duration{10 * time.Second}, cb.Config().BackoffSteps)

	clock.Advance(time.Minute)
	cb.MarkRateLimited(ctx, "acc-1", 429, "", "", "")
	assert.Equal(t, 10*time.Second, cb.Remaining("acc-1", ""))
}

func TestCircuitBreaker_EmptyStepsFallBackToDefault(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Enabled: true}, nil)
	assert.Equal(t, DefaultBackoffSteps(), cb.Config().BackoffSteps)
}

func TestCircuitBreaker_MirrorsToRepo(t *testing.T) {
	repo := new(MockCooldownRepo)
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig(), repo)
	ctx := context.Background()

	repo.On("SaveCooldown", ctx, mock.MatchedBy(func(e RateLimitEntry) bool {
		return e.AccountID == "acc-1" && e.LastStatus == 429
	})).Return(nil).Once()
	repo.On("DeleteCooldowns", ctx, "acc-1").Return(nil)
	repo.On("DeleteAllCooldowns", ctx).Return(nil).Once()

	cb.MarkRateLimited(ctx, "acc-1", 429, "", "", "")
	cb.MarkSuccess(ctx, "acc-1", "")
	assert.False(t, cb.Clear(ctx, "acc-1"))
	cb.ClearAll(ctx)

	repo.AssertExpectations(t)
}

func TestCircuitBreaker_MirrorFailureIsIgnored(t *testing.T) {
	repo := new(MockCooldownRepo)
	cb, _ := newTestBreaker(DefaultCircuitBreakerConfig(), repo)
	ctx := context.Background()

	repo.On("SaveCooldown", ctx, mock.Anything).Return(errors.New("redis down"))

	cb.MarkRateLimited(ctx, "acc-1", 503, "", "", "")
	assert.True(t, cb.IsOpen("acc-1", ""))
}

func TestCircuitBreaker_Restore(t *testing.T) {
	repo := new(MockCooldownRepo)
	cb, clock := newTestBreaker(DefaultCircuitBreakerConfig(), repo)
	ctx := context.Background()

	repo.On("LoadCooldowns", ctx).Return([]RateLimitEntry{
		{AccountID: "acc-1", ConsecutiveFailures: 2, BackoffStage: 1, CooldownUntil: clock.Now().Add(5 * time.Minute)},
	}, nil).Once()

	n, err := cb.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, cb.IsOpen("acc-1", ""))

	repo.On("LoadCooldowns", ctx).Return(nil, errors.New("redis down")).Once()
	_, err = cb.Restore(ctx)
	assert.Error(t, err)
}

func TestCircuitBreaker_Sweep(t *testing.T) {
	cb, clock := newTestBreaker(DefaultCircuitBreakerConfig(), nil)
	cb.MarkRateLimited(context.Background(), "acc-1", 429, "", "", "")

	clock.Advance(time.Hour)
	assert.Equal(t, 0, cb.Sweep())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, cb.Sweep())
}

func TestNewCircuitBreakerConfig(t *testing.T) {
	assert.Equal(t, DefaultCircuitBreakerConfig(), NewCircuitBreakerConfig(nil))

	cfg := NewCircuitBreakerConfig(&conf.Pool{CircuitBreaker: &conf.Pool_CircuitBreaker{
		Enabled:      false,
		BackoffSteps: []time.Duration{time.Second, time.Minute},
	}})
	assert.False(t, cfg.Enabled)
	assert.Equal(t, []time.Duration{time.Second, time.Minute}, cfg.BackoffSteps)
}
