package freejoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	keyFreeJoin       = "cohere:freejoin:%s"
	lockPollInterval  = 25 * time.Millisecond
	lockReleaseBudget = 2 * time.Second
)

// RedisGuard takes the in-process lock first, then a redis lock shared by all replicas.
type RedisGuard struct {
	local  *KeyedMutex
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisGuard(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisGuard{
		local:  NewKeyedMutex(),
		client: client,
		script: redis.NewScript(lockReleaseScript),
		ttl:    ttl,
		log:    log.Named("freejoin.redis"),
	}
}

func (g *RedisGuard) Acquire(ctx context.Context, clientID, contributionID string) (Release, error) {
	k, err := key(clientID, contributionID)
	if err != nil {
		return nil, err
	}
	releaseLocal, err := g.local.lock(ctx, k)
	if err != nil {
		return nil, err
	}

	redisKey := redisLockKey(k)
	token, err := g.tryLock(ctx, redisKey)
	if err != nil {
		releaseLocal()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), lockReleaseBudget)
			defer cancel()
			if err := g.script.Run(rctx, g.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				g.log.Warn("release free-join lock failed", zap.String("key", redisKey), zap.Error(err))
			}
			releaseLocal()
		})
	}, nil
}

func (g *RedisGuard) tryLock(ctx context.Context, redisKey string) (string, error) {
	token := uuid.NewString()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func redisLockKey(k string) string {
	return fmt.Sprintf(keyFreeJoin, k)
}
