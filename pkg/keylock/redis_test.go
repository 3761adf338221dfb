package keylock

import (
	"context"
	"os"
	"testing"
	"time"

	"careledger/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestProvideDefaultsToMemory(t *testing.T) {
	locker := Provide(Params{Config: &config.Config{}})
	require.IsType(t, &Memory{}, locker)
}

func TestRedisLockExcludesSecondHolder(t *testing.T) {
	locker := NewRedis(redisClient(t), 5*time.Second)
	key := TaskKey(t.Name())

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	require.Error(t, err)

	unlock()
	unlock()

	again, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}
