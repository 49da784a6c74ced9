package biz

import (
	"context"
)

// AccountRepo is the persistent credential store. Implementations live in
// the data layer; biz only depends on this interface.
type AccountRepo interface {
	// LoadAccounts returns every stored account ordered by SortOrder.
	LoadAccounts(ctx context.Context) ([]*AccountRecord, error)
	// GetAccount returns ErrAccountNotFound when id is unknown.
	GetAccount(ctx context.Context, id string) (*AccountRecord, error)
	SaveAccount(ctx context.Context, account *AccountRecord) error
}

// CooldownRepo mirrors rate-limit entries so cooldowns survive restarts.
type CooldownRepo interface {
	SaveCooldown(ctx context.Context, entry RateLimitEntry) error
	DeleteCooldowns(ctx context.Context, accountID string) error
	DeleteAllCooldowns(ctx context.Context) error
	LoadCooldowns(ctx context.Context) ([]RateLimitEntry, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
// Revoked grants must be reported with ErrInvalidGrant.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// ProjectResolver looks up the upstream project bound to an access token.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, accessToken string) (projectID, tier string, err error)
}

// QuotaFetcher loads the per-model quota report of an account.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken, projectID string) (*QuotaSnapshot, error)
}
