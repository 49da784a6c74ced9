package data

import (
	"testing"

	"ProxyLane/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewData_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	base := newTestData(t)
	cache := NewCacheClient(rdb)

	d, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, base.db, rdb, cache, base.crypto)
	require.NoError(t, err)
	defer cleanup()

	assert.Same(t, rdb, d.GetRedisClient())
	assert.Equal(t, cache, d.GetCache())
}

func TestNewData_WithoutRedis(t *testing.T) {
	d := newTestData(t)
	assert.Nil(t, d.GetRedisClient())
	assert.Nil(t, d.GetCache())
}

func TestNewData_RequiresDB(t *testing.T) {
	_, _, err := NewData(&conf.Data{}, log.DefaultLogger, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewCrypto(t *testing.T) {
	_, err := NewCrypto(nil)
	assert.Error(t, err)

	_, err = NewCrypto(&conf.Auth{Encryption: &conf.Auth_Encryption{}})
	assert.Error(t, err)

	c, err := NewCrypto(&conf.Auth{Encryption: &conf.Auth_Encryption{Key: "some passphrase"}})
	require.NoError(t, err)
	sealed, err := c.Encrypt("secret")
	require.NoError(t, err)
	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestNewDB_Validation(t *testing.T) {
	_, _, err := NewDB(nil, log.DefaultLogger)
	assert.Error(t, err)

	_, _, err = NewDB(&conf.Data{Database: &conf.Data_Database{Driver: "oracle", Source: "x"}}, log.DefaultLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	_, _, err = NewDB(&conf.Data{Database: &conf.Data_Database{Driver: "sqlite"}}, log.DefaultLogger)
	assert.ErrorContains(t, err, "database source is required")
}

func TestNewDB_MigratesTables(t *testing.T) {
	d := newTestData(t)
	assert.True(t, d.db.Migrator().HasTable(&ProxyAccount{}))
	assert.True(t, d.db.Migrator().HasTable(&AuditLog{}))
}
