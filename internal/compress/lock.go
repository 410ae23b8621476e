package compress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld means another process is running compression right now.
var ErrLockHeld = errors.New("compression lock held")

// Locker guards against overlapping compression runs. Acquire returns a
// release func on success and ErrLockHeld when another holder is active.
type Locker interface {
	Acquire(ctx context.Context) (func(), error)
}

const defaultLockTTL = 10 * time.Minute

// releaseScript deletes the lock key only if this process still owns it,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX + TTL advisory lock.
type RedisLocker struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker connects to redis and returns a locker for the given key.
func NewRedisLocker(redisURL, key string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl, logger: logger}, nil
}

// Acquire takes the lock or reports ErrLockHeld. The TTL bounds how long a
// crashed holder can block later runs.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func() {
		if _, err := releaseScript.Run(context.Background(), l.rdb, []string{l.key}, token).Result(); err != nil {
			l.logger.Warn("release compression lock failed", zap.Error(err))
		}
	}
	return release, nil
}

// Close tears down the redis connection.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
