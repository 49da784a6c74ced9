package data

import (
	"context"
	"testing"
	"time"

	"ProxyLane/internal/conf"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_Success(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("pw")

	c := &conf.Data{Redis: &conf.Data_Redis{
		Addr:         mr.Addr(),
		Password:     "pw",
		DB:           2,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
	}}

	client, cleanup, err := NewRedisClient(c, log.DefaultLogger)
	require.NoError(t, err)
	require.NotNil(t, client)
	defer cleanup()

	assert.Equal(t, 100, client.Options().PoolSize)
	assert.Equal(t, 10, client.Options().MinIdleConns)
	assert.Equal(t, 2, client.Options().DB)
	assert.Equal(t, 200*time.Millisecond, client.Options().ReadTimeout)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.Select(2)
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestNewRedisClient_ConnectionFailure(t *testing.T) {
	c := &conf.Data{Redis: &conf.Data_Redis{Addr: "127.0.0.1:1"}}

	client, cleanup, err := NewRedisClient(c, log.DefaultLogger)
	require.NoError(t, err, "startup continues without Redis")
	require.NotNil(t, client)
	cleanup()
}

func TestNewRedisClient_NotConfigured(t *testing.T) {
	for _, c := range []*conf.Data{nil, {}, {Redis: &conf.Data_Redis{}}} {
		client, cleanup, err := NewRedisClient(c, log.DefaultLogger)
		require.NoError(t, err)
		assert.Nil(t, client)
		require.NotNil(t, cleanup)
		cleanup()
	}
}
