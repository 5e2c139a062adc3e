package redisclient

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedisClient(context.Background(), config.Config{RedisAddr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	check := Checker(rdb)
	assert.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), config.Config{RedisAddr: addr})
	assert.Error(t, err)
}

func TestNewRedisClientAuth(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireUserAuth("clinic", "s3cret")

	_, err := NewRedisClient(context.Background(), config.Config{RedisAddr: mr.Addr()})
	assert.Error(t, err)

	rdb, err := NewRedisClient(context.Background(), config.Config{
		RedisAddr:     mr.Addr(),
		RedisUsername: "clinic",
		RedisPassword: "s3cret",
	})
	require.NoError(t, err)
	_ = rdb.Close()
}
