package biz

import (
	"context"
	"fmt"
	"testing"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore adds create/delete on top of memRepo.
type memStore struct {
	*memRepo
	nextID int
}

func (s *memStore) CreateAccount(ctx context.Context, in *NewAccount) (*AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == in.Email {
			return nil, ErrAccountExists(in.Email)
		}
	}
	s.nextID++
	rec := &AccountRecord{
		ID:         fmt.Sprintf("new-%d", s.nextID),
		Email:      in.Email,
		ProjectID:  in.ProjectID,
		SortOrder:  in.SortOrder,
		Credential: Credential{RefreshToken: in.RefreshToken, AccessToken: in.AccessToken},
	}
	s.accounts[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *memStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrAccountNotFound(id)
	}
	delete(s.accounts, id)
	return nil
}

func (s *memStore) UpdateMetadata(ctx context.Context, id string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound(id)
	}
	// the test store reads the proxy straight from the raw document
	a.Credential.ProxyURL = string(raw)
	return nil
}

func newTestUsecase(t *testing.T, accounts ...*AccountRecord) (*AccountUsecase, *testPool) {
	p := newTestPool(t, accounts...)
	return NewAccountUsecase(&memStore{memRepo: p.repo}, p.TokenManager, testLogger()), p
}

func TestAccountUsecase_Create(t *testing.T) {
	uc, p := newTestUsecase(t)
	ctx := context.Background()

	rec, err := uc.Create(ctx, &NewAccount{Email: "  New.User@Example.com ", RefreshToken: "refresh-new"})
	require.NoError(t, err)
	assert.Equal(t, "new.user@example.com", rec.Email)
	assert.Equal(t, 1, p.Len(), "the account is pooled right away")

	lease := p.lease(t, TokenRequest{})
	assert.Equal(t, rec.ID, lease.AccountID)
	assert.Equal(t, "refresh-new-access-1", lease.AccessToken)

	_, err = uc.Create(ctx, &NewAccount{Email: "new.user@example.com", RefreshToken: "other"})
	assert.Equal(t, ReasonAccountExists, kerrors.Reason(err))
}

func TestAccountUsecase_CreateValidation(t *testing.T) {
	uc, _ := newTestUsecase(t)
	ctx := context.Background()

	_, err := uc.Create(ctx, &NewAccount{Email: "not-an-email", RefreshToken: "r"})
	assert.Equal(t, ReasonInvalidAccount, kerrors.Reason(err))

	_, err = uc.Create(ctx, &NewAccount{Email: "a@example.com", RefreshToken: "  "})
	assert.Equal(t, ReasonInvalidAccount, kerrors.Reason(err))
}

func TestAccountUsecase_Delete(t *testing.T) {
	uc, p := newTestUsecase(t, testAccount("a", 0), testAccount("b", 1))
	ctx := context.Background()
	p.MarkRateLimited(ctx, "a", 429, "", "", "")

	require.NoError(t, uc.Delete(ctx, "a"))
	assert.Nil(t, p.repo.get("a"))
	assert.Equal(t, time.Duration(0), p.breaker.Remaining("a", ""))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "b", p.lease(t, TokenRequest{}).AccountID)
	}
	assert.Equal(t, 1, p.Len())

	assert.True(t, IsAccountNotFound(uc.Delete(ctx, "missing")))
}

func TestAccountUsecase_Reauthorize(t *testing.T) {
	a := testAccount("a", 0)
	a.Credential.ExpiresAt = testEpoch
	uc, p := newTestUsecase(t, a)
	p.refresher.errs = map[string]error{"refresh-a": ErrInvalidGrant}
	ctx := context.Background()

	_, err := p.GetToken(ctx, TokenRequest{})
	require.Error(t, err)
	require.True(t, p.repo.get("a").ProxyDisabled)

	require.NoError(t, uc.Reauthorize(ctx, "a", " refresh-fresh "))
	stored := p.repo.get("a")
	assert.False(t, stored.ProxyDisabled)
	assert.Empty(t, stored.ProxyDisabledReason)
	assert.Equal(t, "refresh-fresh", stored.Credential.RefreshToken)
	assert.Empty(t, stored.Credential.AccessToken)

	lease := p.lease(t, TokenRequest{})
	assert.Contains(t, lease.AccessToken, "refresh-fresh-access-")

	assert.Equal(t, ReasonInvalidAccount, kerrors.Reason(uc.Reauthorize(ctx, "a", "")))
}

func TestAccountUsecase_ReauthorizeKeepsManualProxyDisable(t *testing.T) {
	a := testAccount("a", 0)
	a.ProxyDisabled = true
	a.ProxyDisabledReason = "operator"
	uc, p := newTestUsecase(t, a)

	require.NoError(t, uc.Reauthorize(context.Background(), "a", "refresh-2"))
	assert.True(t, p.repo.get("a").ProxyDisabled)
}

func TestAccountUsecase_SetDisabled(t *testing.T) {
	uc, p := newTestUsecase(t, testAccount("a", 0), testAccount("b", 1))
	ctx := context.Background()

	require.NoError(t, uc.SetDisabled(ctx, "a", true, "maintenance"))
	stored := p.repo.get("a")
	assert.True(t, stored.Disabled)
	assert.Equal(t, "maintenance", stored.DisabledReason)
	assert.Equal(t, testEpoch, stored.DisabledAt)
	assert.Equal(t, "b", p.lease(t, TokenRequest{}).AccountID)
	assert.Equal(t, "b", p.lease(t, TokenRequest{}).AccountID)

	require.NoError(t, uc.SetDisabled(ctx, "a", false, ""))
	assert.False(t, p.repo.get("a").Disabled)
	assert.True(t, p.repo.get("a").DisabledAt.IsZero())
	assert.True(t, p.HasAvailableAccount("", ""))

	assert.True(t, IsAccountNotFound(uc.SetDisabled(ctx, "missing", true, "")))
}

func TestAccountUsecase_UpdateMetadata(t *testing.T) {
	uc, p := newTestUsecase(t, testAccount("a", 0))
	ctx := context.Background()

	require.NoError(t, uc.UpdateMetadata(ctx, "a", []byte("http://proxy:8080")))
	lease := p.lease(t, TokenRequest{})
	assert.Equal(t, "a", lease.AccountID)
	assert.Equal(t, "http://proxy:8080", p.repo.get("a").Credential.ProxyURL)

	assert.True(t, IsAccountNotFound(uc.UpdateMetadata(ctx, "missing", nil)))
}
