package biz

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() log.Logger {
	return log.NewStdLogger(io.Discard)
}

// fakeClock is a manually advanced clock shared by every component under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memRepo is an in-memory AccountRepo.
type memRepo struct {
	mu       sync.Mutex
	accounts map[string]*AccountRecord
	saves    int
	failSave error
}

func newMemRepo(accounts ...*AccountRecord) *memRepo {
	r := &memRepo{accounts: make(map[string]*AccountRecord)}
	for _, a := range accounts {
		r.accounts[a.ID] = a.Clone()
	}
	return r
}

func (r *memRepo) LoadAccounts(ctx context.Context) ([]*AccountRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AccountRecord, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (r *memRepo) GetAccount(ctx context.Context, id string) (*AccountRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound(id)
	}
	return a.Clone(), nil
}

func (r *memRepo) SaveAccount(ctx context.Context, a *AccountRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	r.saves++
	r.accounts[a.ID] = a.Clone()
	return nil
}

func (r *memRepo) get(id string) *AccountRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].Clone()
}

// fakeRefresher issues one-hour credentials. Refresh tokens listed in errs fail.
type fakeRefresher struct {
	clock *fakeClock
	calls atomic.Int32
	gate  chan struct{}
	errs  map[string]error
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := f.errs[cred.RefreshToken]; err != nil {
		return Credential{}, err
	}
	return Credential{
		AccessToken: cred.RefreshToken + "-access-" + strconv.Itoa(int(n)),
		ExpiresAt:   f.clock.Now().Add(time.Hour),
	}, nil
}

func testAccount(id string, order int) *AccountRecord {
	return &AccountRecord{
		ID:        id,
		Email:     id + "@example.com",
		ProjectID: "project-" + id,
		SortOrder: order,
		Credential: Credential{
			AccessToken:  "access-" + id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    testEpoch.Add(time.Hour),
		},
	}
}

type testPool struct {
	*TokenManager
	repo      *memRepo
	refresher *fakeRefresher
	clock     *fakeClock
}

func newTestPool(t *testing.T, accounts ...*AccountRecord) *testPool {
	t.Helper()
	clock := newFakeClock()
	repo := newMemRepo(accounts...)
	ref := &fakeRefresher{clock: clock}
	logger := testLogger()

	opts := PoolOptions{
		QuotaProtection:  DefaultQuotaProtectionConfig(),
		Sticky:           DefaultStickyConfig(),
		MaxRetryAttempts: 3,
		RefreshSkew:      5 * time.Minute,
		ShutdownTimeout:  time.Second,
	}
	tm := NewTokenManager(opts, repo, ref, nil, NewCircuitBreaker(DefaultCircuitBreakerConfig(), nil, logger), nil, logger)
	tm.setClock(clock.Now)
	tm.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clock.Advance(d)
		return nil
	}

	_, err := tm.LoadAccounts(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tm.GracefulShutdown(time.Second) })
	return &testPool{TokenManager: tm, repo: repo, refresher: ref, clock: clock}
}

func (p *testPool) lease(t *testing.T, req TokenRequest) *TokenLease {
	t.Helper()
	l, err := p.GetToken(context.Background(), req)
	require.NoError(t, err)
	return l
}
