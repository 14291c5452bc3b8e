package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds configuration for the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a lock shared by relay instances through Redis. Locks expire
// after ttl so a crashed holder cannot wedge a conversation.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	retry  time.Duration
}

// NewRedisClient creates a go-redis client and validates the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// NewRedis creates a Redis-backed locker.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "cortex-relay:lock:",
		retry:  50 * time.Millisecond,
	}
}

// Lock polls SET NX until it succeeds or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retry)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	return func() {
		// The caller's ctx may already be cancelled; release regardless.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, r.rdb, []string{name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("failed to release redis lock")
		}
	}, nil
}
