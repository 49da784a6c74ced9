package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/pkg/crypto"
	pkgerrors "ProxyLane/pkg/errors"
	"ProxyLane/pkg/metadata"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProxyAccount is the GORM model for proxy_accounts table.
type ProxyAccount struct {
	ID                    string     `gorm:"primaryKey;column:id;size:36"`
	Email                 string     `gorm:"column:email;size:255;not null;uniqueIndex"`
	AccessTokenEncrypted  string     `gorm:"column:access_token_encrypted;type:text"`
	RefreshTokenEncrypted string     `gorm:"column:refresh_token_encrypted;type:text;not null"`
	TokenExpiresAt        *time.Time `gorm:"column:token_expires_at"`
	ProjectID             string     `gorm:"column:project_id;size:128"`

	Disabled       bool       `gorm:"column:disabled;default:false;not null"`
	DisabledReason string     `gorm:"column:disabled_reason;size:255"`
	DisabledAt     *time.Time `gorm:"column:disabled_at"`

	ProxyDisabled       bool       `gorm:"column:proxy_disabled;default:false;not null"`
	ProxyDisabledReason string     `gorm:"column:proxy_disabled_reason;size:255"`
	ProxyDisabledAt     *time.Time `gorm:"column:proxy_disabled_at"`

	IsForbidden     bool   `gorm:"column:is_forbidden;default:false;not null"`
	ForbiddenReason string `gorm:"column:forbidden_reason;size:255"`

	ValidationBlocked       bool       `gorm:"column:validation_blocked;default:false;not null"`
	ValidationBlockedUntil  *time.Time `gorm:"column:validation_blocked_until"`
	ValidationBlockedReason string     `gorm:"column:validation_blocked_reason;size:255"`

	ProtectedModels datatypes.JSON `gorm:"column:protected_models"` // JSON array of model names
	Quota           datatypes.JSON `gorm:"column:quota"`            // quotaColumn, "null" before the first fetch
	Metadata        datatypes.JSON `gorm:"column:metadata"`         // metadata.AccountMetadata, "{}" when empty

	SortOrder  int        `gorm:"column:sort_order;default:0;not null;index"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (ProxyAccount) TableName() string {
	return "proxy_accounts"
}

// quotaColumn is the JSON shape of the quota column.
type quotaColumn struct {
	Models           map[string]quotaModel `json:"models"`
	SubscriptionTier string                `json:"subscription_tier,omitempty"`
	IsForbidden      bool                  `json:"is_forbidden,omitempty"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

type quotaModel struct {
	Name       string    `json:"name"`
	Percentage int       `json:"percentage"`
	ResetTime  time.Time `json:"reset_time,omitempty"`
}

// saveColumns are the columns SaveAccount writes. Email, metadata and
// created_at belong to the operator and are never touched by the pool.
var saveColumns = []string{
	"access_token_encrypted", "refresh_token_encrypted", "token_expires_at", "project_id",
	"disabled", "disabled_reason", "disabled_at",
	"proxy_disabled", "proxy_disabled_reason", "proxy_disabled_at",
	"is_forbidden", "forbidden_reason",
	"validation_blocked", "validation_blocked_until", "validation_blocked_reason",
	"protected_models", "quota", "sort_order", "last_used_at", "updated_at",
}

// AccountRepo stores pooled accounts with their tokens encrypted at rest.
// It implements biz.AccountRepo and biz.AccountStore.
type AccountRepo struct {
	db     *gorm.DB
	crypto *crypto.AESCrypto
	log    *log.Helper
	now    func() time.Time
}

// NewAccountRepo creates an AccountRepo.
func NewAccountRepo(data *Data, logger log.Logger) *AccountRepo {
	return &AccountRepo{
		db:     data.db,
		crypto: data.crypto,
		log:    log.NewHelper(logger),
		now:    time.Now,
	}
}

// LoadAccounts returns every stored account ordered by sort order. Rows that
// cannot be decoded are skipped and logged.
func (r *AccountRepo) LoadAccounts(ctx context.Context) ([]*biz.AccountRecord, error) {
	var rows []ProxyAccount
	if err := r.db.WithContext(ctx).Order("sort_order ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	out := make([]*biz.AccountRecord, 0, len(rows))
	for i := range rows {
		rec, err := r.toRecord(&rows[i])
		if err != nil {
			r.log.Errorw("msg", "skipping undecodable account", "account_id", rows[i].ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetAccount returns biz.ErrAccountNotFound when id is unknown.
func (r *AccountRepo) GetAccount(ctx context.Context, id string) (*biz.AccountRecord, error) {
	var row ProxyAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if pkgerrors.IsNotFoundError(err) {
			return nil, biz.ErrAccountNotFound(id)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return r.toRecord(&row)
}

// SaveAccount persists the pool-owned state of account.
func (r *AccountRepo) SaveAccount(ctx context.Context, account *biz.AccountRecord) error {
	row, err := r.fromRecord(account)
	if err != nil {
		return err
	}
	row.UpdatedAt = r.now()

	res := r.db.WithContext(ctx).Model(&ProxyAccount{}).
		Where("id = ?", account.ID).
		Select(saveColumns).
		Updates(row)
	if res.Error != nil {
		return fmt.Errorf("failed to save account %s: %w", account.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return biz.ErrAccountNotFound(account.ID)
	}
	return nil
}

// CreateAccount stores a new account.
func (r *AccountRepo) CreateAccount(ctx context.Context, in *biz.NewAccount) (*biz.AccountRecord, error) {
	meta, err := metadata.Parse(in.Metadata)
	if err != nil {
		return nil, biz.ErrInvalidAccount(err.Error())
	}
	if err := meta.Validate(); err != nil {
		return nil, biz.ErrInvalidAccount(err.Error())
	}

	rec := &biz.AccountRecord{
		ID:    uuid.NewString(),
		Email: in.Email,
		Credential: biz.Credential{
			AccessToken:  in.AccessToken,
			RefreshToken: in.RefreshToken,
			ExpiresAt:    in.ExpiresAt,
			ProxyURL:     meta.EffectiveProxy(),
		},
		ProjectID: in.ProjectID,
		SortOrder: in.SortOrder,
	}
	row, err := r.fromRecord(rec)
	if err != nil {
		return nil, err
	}
	row.Email = in.Email
	row.Metadata, err = encodeMetadata(meta)
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if pkgerrors.IsDuplicateKeyError(err) {
			return nil, biz.ErrAccountExists(in.Email)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	r.log.Infow("msg", "account created", "account_id", rec.ID, "email", rec.Email)
	return rec, nil
}

// DeleteAccount removes the account row.
func (r *AccountRepo) DeleteAccount(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ProxyAccount{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return biz.ErrAccountNotFound(id)
	}
	return nil
}

// UpdateMetadata replaces the metadata document of an account. The new proxy
// takes effect when the pool reloads the account.
func (r *AccountRepo) UpdateMetadata(ctx context.Context, id string, raw []byte) error {
	meta, err := metadata.Parse(raw)
	if err != nil {
		return biz.ErrInvalidAccount(err.Error())
	}
	if err := meta.Validate(); err != nil {
		return biz.ErrInvalidAccount(err.Error())
	}
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&ProxyAccount{}).Where("id = ?", id).
		Updates(map[string]interface{}{"metadata": encoded, "updated_at": r.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to update metadata of account %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return biz.ErrAccountNotFound(id)
	}
	return nil
}

func (r *AccountRepo) toRecord(row *ProxyAccount) (*biz.AccountRecord, error) {
	access, err := r.crypto.Decrypt(row.AccessTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := r.crypto.Decrypt(row.RefreshTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	meta, err := metadata.Parse(row.Metadata)
	if err != nil {
		return nil, err
	}

	rec := &biz.AccountRecord{
		ID:    row.ID,
		Email: row.Email,
		Credential: biz.Credential{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    derefTime(row.TokenExpiresAt),
			ProxyURL:     meta.EffectiveProxy(),
		},
		ProjectID:               row.ProjectID,
		Disabled:                row.Disabled,
		DisabledReason:          row.DisabledReason,
		DisabledAt:              derefTime(row.DisabledAt),
		ProxyDisabled:           row.ProxyDisabled,
		ProxyDisabledReason:     row.ProxyDisabledReason,
		ProxyDisabledAt:         derefTime(row.ProxyDisabledAt),
		IsForbidden:             row.IsForbidden,
		ForbiddenReason:         row.ForbiddenReason,
		ValidationBlocked:       row.ValidationBlocked,
		ValidationBlockedUntil:  derefTime(row.ValidationBlockedUntil),
		ValidationBlockedReason: row.ValidationBlockedReason,
		SortOrder:               row.SortOrder,
		LastUsed:                derefTime(row.LastUsedAt),
	}

	if len(row.ProtectedModels) > 0 {
		if err := json.Unmarshal(row.ProtectedModels, &rec.ProtectedModels); err != nil {
			return nil, fmt.Errorf("failed to decode protected_models: %w", err)
		}
	}
	if rec.Quota, err = decodeQuota(row.Quota); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *AccountRepo) fromRecord(rec *biz.AccountRecord) (*ProxyAccount, error) {
	access, err := r.crypto.Encrypt(rec.Credential.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.crypto.Encrypt(rec.Credential.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	protected := rec.ProtectedModels
	if protected == nil {
		protected = []string{}
	}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, err
	}
	quotaJSON, err := encodeQuota(rec.Quota)
	if err != nil {
		return nil, err
	}

	return &ProxyAccount{
		ID:                      rec.ID,
		AccessTokenEncrypted:    access,
		RefreshTokenEncrypted:   refresh,
		TokenExpiresAt:          timePtr(rec.Credential.ExpiresAt),
		ProjectID:               rec.ProjectID,
		Disabled:                rec.Disabled,
		DisabledReason:          rec.DisabledReason,
		DisabledAt:              timePtr(rec.DisabledAt),
		ProxyDisabled:           rec.ProxyDisabled,
		ProxyDisabledReason:     rec.ProxyDisabledReason,
		ProxyDisabledAt:         timePtr(rec.ProxyDisabledAt),
		IsForbidden:             rec.IsForbidden,
		ForbiddenReason:         rec.ForbiddenReason,
		ValidationBlocked:       rec.ValidationBlocked,
		ValidationBlockedUntil:  timePtr(rec.ValidationBlockedUntil),
		ValidationBlockedReason: rec.ValidationBlockedReason,
		ProtectedModels:         datatypes.JSON(protectedJSON),
		Quota:                   quotaJSON,
		SortOrder:               rec.SortOrder,
		LastUsedAt:              timePtr(rec.LastUsed),
	}, nil
}

func encodeMetadata(meta *metadata.AccountMetadata) (datatypes.JSON, error) {
	raw, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = []byte("{}")
	}
	return datatypes.JSON(raw), nil
}

func encodeQuota(q *biz.QuotaSnapshot) (datatypes.JSON, error) {
	if q == nil {
		return datatypes.JSON("null"), nil
	}
	col := quotaColumn{
		Models:           make(map[string]quotaModel, len(q.Models)),
		SubscriptionTier: q.SubscriptionTier,
		IsForbidden:      q.IsForbidden,
		UpdatedAt:        q.UpdatedAt,
	}
	for k, m := range q.Models {
		col.Models[k] = quotaModel(m)
	}
	raw, err := json.Marshal(col)
	if err != nil {
		return nil, fmt.Errorf("failed to encode quota: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodeQuota(raw datatypes.JSON) (*biz.QuotaSnapshot, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}
	var col quotaColumn
	if err := json.Unmarshal(raw, &col); err != nil {
		return nil, fmt.Errorf("failed to decode quota: %w", err)
	}
	q := &biz.QuotaSnapshot{
		Models:           make(map[string]biz.ModelQuota, len(col.Models)),
		SubscriptionTier: col.SubscriptionTier,
		IsForbidden:      col.IsForbidden,
		UpdatedAt:        col.UpdatedAt,
	}
	for k, m := range col.Models {
		q.Models[k] = biz.ModelQuota(m)
	}
	return q, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
