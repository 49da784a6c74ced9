package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ProxyLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// accountLevelField is the hash field of an account wide cooldown.
const accountLevelField = "*"

var errRedisUnavailable = errors.New("redis is not configured")

// CooldownRepo mirrors rate-limit entries into Redis so cooldowns survive a
// restart. Each account is one hash, cooldown:{accountID}, with one field per
// model holding the JSON encoded entry.
type CooldownRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewCooldownRepo creates a CooldownRepo. With a nil client every call fails
// and the pool keeps cooldowns in memory only.
func NewCooldownRepo(data *Data, logger log.Logger) *CooldownRepo {
	return &CooldownRepo{
		rdb:    data.redisClient,
		logger: log.NewHelper(logger),
	}
}

func cooldownKey(accountID string) string {
	return BuildCacheKey(CacheKeyCooldown, accountID)
}

func cooldownField(model string) string {
	if model == "" {
		return accountLevelField
	}
	return model
}

// SaveCooldown stores entry and extends the retention of its account hash.
func (r *CooldownRepo) SaveCooldown(ctx context.Context, entry biz.RateLimitEntry) error {
	if r.rdb == nil {
		return errRedisUnavailable
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cooldown: %w", err)
	}

	key := cooldownKey(entry.AccountID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, cooldownField(entry.Model), raw)
	pipe.Expire(ctx, key, TTLCooldown)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cooldown for %s: %w", entry.AccountID, err)
	}
	return nil
}

// DeleteCooldowns removes every mirrored entry of accountID.
func (r *CooldownRepo) DeleteCooldowns(ctx context.Context, accountID string) error {
	if r.rdb == nil {
		return errRedisUnavailable
	}
	if err := r.rdb.Del(ctx, cooldownKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cooldowns for %s: %w", accountID, err)
	}
	return nil
}

// DeleteAllCooldowns removes every mirrored entry.
func (r *CooldownRepo) DeleteAllCooldowns(ctx context.Context) error {
	if r.rdb == nil {
		return errRedisUnavailable
	}
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cooldowns: %w", err)
	}
	return nil
}

// LoadCooldowns returns every mirrored entry. Undecodable fields are skipped.
func (r *CooldownRepo) LoadCooldowns(ctx context.Context) ([]biz.RateLimitEntry, error) {
	if r.rdb == nil {
		return nil, errRedisUnavailable
	}
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	var entries []biz.RateLimitEntry
	for _, key := range keys {
		fields, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		for field, raw := range fields {
			var e biz.RateLimitEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				r.logger.Warnw("msg", "skipping undecodable cooldown", "key", key, "field", field, "error", err)
				continue
			}
			if e.AccountID == "" {
				e.AccountID = strings.TrimPrefix(key, CacheKeyCooldown+":")
			}
			entries = append(entries, e)
		}
	}

	r.logger.Debugw("msg", "cooldowns loaded", "accounts", len(keys), "entries", len(entries))
	return entries, nil
}

func (r *CooldownRepo) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, CacheKeyCooldown+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cooldown keys: %w", err)
	}
	return keys, nil
}
