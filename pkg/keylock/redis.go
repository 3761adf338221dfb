package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"careledger/pkg/rediskey"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errHeld = errors.New("lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based lock. A holder that dies releases the key when the
// lease expires, so ttl must exceed the longest critical section.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := rediskey.BuildLockKey(key)

	acquire := func() error {
		ok, err := r.rdb.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errHeld
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = r.ttl
	if err := backoff.Retry(acquire, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.release(full, token)
		})
	}, nil
}

func (r *Redis) release(full, token string) {
	// release must outlive a cancelled request context
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(rctx, r.rdb, []string{full}, token).Err(); err != nil {
		zap.L().Warn("failed to release lock", zap.String("key", full), zap.Error(err))
	}
}
