package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestWrapper(t *testing.T) (*RedisWrapper, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := NewRedisWrapper(client, zaptest.NewLogger(t))
	t.Cleanup(func() { rw.Close() })
	return rw, mr
}

func TestRedisWrapper_SetGet(t *testing.T) {
	rw, _ := newTestWrapper(t)
	ctx := context.Background()

	require.NoError(t, rw.Set(ctx, "k", "v", time.Minute).Err())

	val, err := rw.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestRedisWrapper_GetMissing(t *testing.T) {
	rw, _ := newTestWrapper(t)

	_, err := rw.Get(context.Background(), "absent").Result()
	assert.ErrorIs(t, err, redis.Nil)
	assert.False(t, rw.IsCircuitBreakerOpen())
}

func TestRedisWrapper_Expire(t *testing.T) {
	rw, mr := newTestWrapper(t)
	ctx := context.Background()

	require.NoError(t, rw.Set(ctx, "k", "v", time.Minute).Err())
	require.NoError(t, rw.Expire(ctx, "k", time.Hour).Err())

	assert.Equal(t, time.Hour, mr.TTL("k"))
}

func TestRedisWrapper_Del(t *testing.T) {
	rw, _ := newTestWrapper(t)
	ctx := context.Background()

	require.NoError(t, rw.Set(ctx, "k", "v", 0).Err())
	require.NoError(t, rw.Del(ctx, "k").Err())

	_, err := rw.Get(ctx, "k").Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisWrapper_OpensOnOutage(t *testing.T) {
	rw, mr := newTestWrapper(t)
	ctx := context.Background()

	mr.Close()

	threshold := GetRedisConfig().FailureThreshold
	for i := uint32(0); i < threshold; i++ {
		_ = rw.Set(ctx, "k", "v", 0).Err()
	}

	assert.True(t, rw.IsCircuitBreakerOpen())
	assert.ErrorIs(t, rw.Ping(ctx).Err(), ErrOpen)
}
