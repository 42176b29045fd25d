package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "ordercore:"
	redisDialBudget = 5 * time.Second
)

// deleteIfScript removes KEYS[1] only while it holds ARGV[1], so a worker
// never drops a marker another worker wrote after its own claim expired.
var deleteIfScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisProvider struct {
	client *redis.Client
	prefix string
}

func NewRedisProvider(connectionString string) (*RedisProvider, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialBudget)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisProvider{client: client, prefix: redisKeyPrefix}, nil
}

func (r *RedisProvider) key(key string) string {
	return r.prefix + key
}

func (r *RedisProvider) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

func (r *RedisProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (r *RedisProvider) Claim(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	claimed, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return claimed, nil
}

func (r *RedisProvider) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisProvider) DeleteIf(ctx context.Context, key string, value string) (bool, error) {
	removed, err := deleteIfScript.Run(ctx, r.client, []string{r.key(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", key, err)
	}
	return removed > 0, nil
}

func (r *RedisProvider) Close() error {
	return r.client.Close()
}
