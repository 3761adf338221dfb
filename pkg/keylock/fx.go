package keylock

import (
	"careledger/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("keylock", fx.Provide(Provide))

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

// Provide picks the Redis locker when a client is configured and falls back
// to the in-process one otherwise.
func Provide(p Params) Locker {
	if p.Redis == nil {
		zap.L().Info("[KeyLock] using in-process locks")
		return NewMemory()
	}
	zap.L().Info("[KeyLock] using redis locks", zap.Duration("ttl", p.Config.Redis.LockTTL))
	return NewRedis(p.Redis, p.Config.Redis.LockTTL)
}
