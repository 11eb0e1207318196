package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

// RedisStore implements Store on a Redis connection. INCRBY gives the
// atomic-increment guarantee the run tracker's exactly-once last-job signal
// depends on.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis using a redis:// URL and verifies the
// connection with a bounded ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}

	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return 0, fmt.Errorf("get %s: %w", key, err)
	}

	return value, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
