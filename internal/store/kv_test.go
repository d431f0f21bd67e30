package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupKV(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, NewRedisKV(c)
}

func TestRedisKV_GetSet(t *testing.T) {
	mr, kv := setupKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "device_users:d1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, kv.Set(ctx, "device_users:d1", `{"dev_eui":"d1"}`, time.Hour))
	v, err := kv.Get(ctx, "device_users:d1")
	require.NoError(t, err)
	assert.Equal(t, `{"dev_eui":"d1"}`, v)

	mr.FastForward(2 * time.Hour)
	_, err = kv.Get(ctx, "device_users:d1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisKV_SetNX(t *testing.T) {
	mr, kv := setupKV(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "alert_cooldown:d1:voltage", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "alert_cooldown:d1:voltage", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)
	ok, err = kv.SetNX(ctx, "alert_cooldown:d1:voltage", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisKV_Del(t *testing.T) {
	_, kv := setupKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "1", 0))
	require.NoError(t, kv.Del(ctx, "a"))
	require.NoError(t, kv.Del(ctx))

	_, err := kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisKV_ServerDown(t *testing.T) {
	mr, kv := setupKV(t)
	mr.Close()

	_, err := kv.Get(context.Background(), "a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}
