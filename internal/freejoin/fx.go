package freejoin

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/cohere/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("freejoin",
	fx.Provide(ProvideGuard),
)

// ProvideGuard returns a redis-backed guard when REDIS_ADDR is set, otherwise the
// in-process keyed mutex.
func ProvideGuard(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Guard {
	addr := strings.TrimSpace(cfg.FreeJoin.RedisAddr)
	if addr == "" {
		return NewKeyedMutex()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.FreeJoin.RedisPassword,
		DB:       cfg.FreeJoin.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return NewRedisGuard(client, cfg.FreeJoin.LockTTL, log)
}
