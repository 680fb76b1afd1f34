package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"woosync/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only when the token still matches, so a
// holder whose lease expired cannot release somebody else's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisBroker implements Broker with SET NX leases. Each lease carries a
// random token; release is token-checked.
type RedisBroker struct {
	client *redis.Client
	logger *zerolog.Logger
}

func NewRedisBroker(client *redis.Client, logger *zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

type redisLease struct {
	broker *RedisBroker
	key    string
	token  string
}

func (b *RedisBroker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return &redisLease{broker: b, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockUnavailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	res, err := l.broker.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		l.broker.logger.Warn().Str("key", l.key).Msg("Lock already expired or stolen at release")
	}
	return nil
}
