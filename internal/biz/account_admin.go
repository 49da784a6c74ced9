package biz

import (
	"context"
	"net/mail"
	"strings"
	"time"

	pkglog "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// NewAccount is the operator input for importing an account.
type NewAccount struct {
	Email        string
	RefreshToken string
	// AccessToken is optional; without it (or without ExpiresAt) the first
	// lease refreshes.
	AccessToken string
	ExpiresAt   time.Time
	ProjectID   string
	SortOrder   int
	// Metadata is the raw JSON metadata document (proxy, tags, notes).
	Metadata []byte
}

// AccountStore creates and removes stored accounts. Implementations return
// ErrAccountExists for a duplicate email and ErrInvalidAccount for bad metadata.
type AccountStore interface {
	CreateAccount(ctx context.Context, in *NewAccount) (*AccountRecord, error)
	DeleteAccount(ctx context.Context, id string) error
	// UpdateMetadata replaces the raw metadata document of an account.
	UpdateMetadata(ctx context.Context, id string, raw []byte) error
}

// AccountUsecase implements the operator account lifecycle on top of the
// store and the live pool.
type AccountUsecase struct {
	store AccountStore
	pool  *TokenManager
	log   *pkglog.LogHelper
}

// NewAccountUsecase creates an AccountUsecase.
func NewAccountUsecase(store AccountStore, pool *TokenManager, logger log.Logger) *AccountUsecase {
	return &AccountUsecase{store: store, pool: pool, log: pkglog.NewLogHelper(logger)}
}

// Create stores a new account and makes it available to the pool right away.
// If the immediate reload fails the account is picked up by housekeeping.
func (uc *AccountUsecase) Create(ctx context.Context, in *NewAccount) (*AccountRecord, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, ErrInvalidAccount("a valid email is required")
	}
	if strings.TrimSpace(in.RefreshToken) == "" {
		return nil, ErrInvalidAccount("refresh token is required")
	}

	rec, err := uc.store.CreateAccount(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := uc.pool.ReloadAccount(ctx, rec.ID); err != nil {
		uc.log.Warnw("msg", "account stored but not loaded, queued for reload", "account_id", rec.ID, "error", err)
		uc.pool.RequestReload(rec.ID)
	}
	uc.log.Account("account imported", "account_id", rec.ID, "email", rec.Email)
	return rec, nil
}

// Delete removes the account from the store and from the pool.
func (uc *AccountUsecase) Delete(ctx context.Context, id string) error {
	if err := uc.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	uc.pool.RequestDelete(id)
	uc.pool.breaker.Clear(ctx, id)
	uc.log.Account("account deleted", "account_id", id)
	return nil
}

// Reauthorize replaces the refresh token of an account.
func (uc *AccountUsecase) Reauthorize(ctx context.Context, id, refreshToken string) error {
	return uc.pool.ReplaceCredential(ctx, id, strings.TrimSpace(refreshToken))
}

// UpdateMetadata stores new metadata and reloads the account so a changed
// proxy applies to the next refresh.
func (uc *AccountUsecase) UpdateMetadata(ctx context.Context, id string, raw []byte) error {
	if err := uc.store.UpdateMetadata(ctx, id, raw); err != nil {
		return err
	}
	if err := uc.pool.ReloadAccount(ctx, id); err != nil {
		uc.log.Warnw("msg", "metadata stored but account not reloaded", "account_id", id, "error", err)
		uc.pool.RequestReload(id)
	}
	uc.log.Account("account metadata updated", "account_id", id)
	return nil
}

// SetDisabled enables or disables an account for every consumer.
func (uc *AccountUsecase) SetDisabled(ctx context.Context, id string, disabled bool, reason string) error {
	return uc.pool.SetDisabled(ctx, id, disabled, reason)
}
