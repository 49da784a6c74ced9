// Package data implements the biz repositories and upstream clients:
// accounts in SQL through gorm, cooldown mirrors and caches in Redis, and
// adapters over the pkg OAuth, quota and fallback clients.
package data

import (
	"fmt"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"
	"ProxyLane/pkg/crypto"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewDB,
	NewRedisClient,
	NewCacheClient,
	NewCrypto,
	NewAccountRepo,
	wire.Bind(new(biz.AccountRepo), new(*AccountRepo)),
	wire.Bind(new(biz.AccountStore), new(*AccountRepo)),
	NewCooldownRepo,
	wire.Bind(new(biz.CooldownRepo), new(*CooldownRepo)),
	NewAuditLogger,
	wire.Bind(new(biz.AuditLogger), new(*AuditLoggerImpl)),
	wire.Bind(new(biz.AuditReader), new(*AuditLoggerImpl)),
	NewTokenRefresher,
	NewQuotaService,
	wire.Bind(new(biz.ProjectResolver), new(*QuotaService)),
	wire.Bind(new(biz.QuotaFetcher), new(*QuotaService)),
	NewFallbackProvider,
)

// Data contains all data layer dependencies.
type Data struct {
	db *gorm.DB
	// redisClient may be nil; Redis backed features then degrade
	redisClient *redis.Client
	cache       CacheClient
	crypto      *crypto.AESCrypto
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis being unavailable does not prevent application startup.
func NewData(_ *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client, cache CacheClient, aes *crypto.AESCrypto) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if db == nil {
		return nil, nil, fmt.Errorf("database client is required")
	}
	if rdb == nil {
		helper.Warn("Redis client is nil, cooldown mirroring and quota caching are disabled")
	}

	d := &Data{
		db:          db,
		redisClient: rdb,
		cache:       cache,
		crypto:      aes,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// NewCrypto builds the credential cipher from the configured secret.
func NewCrypto(c *conf.Auth) (*crypto.AESCrypto, error) {
	if c == nil || c.Encryption == nil {
		return nil, fmt.Errorf("auth.encryption.key is required")
	}
	return crypto.NewAESCryptoFromSecret(c.Encryption.Key)
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
