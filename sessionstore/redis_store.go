package sessionstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the keys written by a redis Store.
const DefaultRedisPrefix = "scada-connector:"

// redisBackend stores values as plain redis strings under a key prefix.
type redisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Store that keeps the session in redis, so a
// restarted connector resumes the client identity and security token of its
// previous run.
//
// Parameters:
//   - client: Redis client used for every operation
//   - prefix: Key prefix; DefaultRedisPrefix is used when empty
//
// Returns:
//   - A Store backed by redis
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := NewRedisStore(client, "plant-a:")
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return newStore(&redisBackend{client: client, prefix: prefix})
}

func (r *redisBackend) key(k string) string {
	return r.prefix + k
}

func (r *redisBackend) get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisBackend) set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *redisBackend) setIfAbsent(ctx context.Context, key, value string) (string, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, 0).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	return r.client.Get(ctx, r.key(key)).Result()
}

func (r *redisBackend) del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}
