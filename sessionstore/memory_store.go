package sessionstore

import (
	"context"

	"github.com/patrickmn/go-cache"
)

// memoryBackend keeps values in a go-cache instance without expiration.
type memoryBackend struct {
	cache *cache.Cache
}

// NewMemoryStore creates a Store that lives as long as the process.
//
// Returns:
//   - A Store backed by an in-memory go-cache instance
func NewMemoryStore() Store {
	return newStore(&memoryBackend{
		cache: cache.New(cache.NoExpiration, 0),
	})
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (m *memoryBackend) get(ctx context.Context, key string) (string, bool, error) {
	if err := checkContext(ctx); err != nil {
		return "", false, err
	}
	v, found := m.cache.Get(key)
	if !found {
		return "", false, nil
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (m *memoryBackend) set(ctx context.Context, key, value string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	m.cache.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *memoryBackend) setIfAbsent(ctx context.Context, key, value string) (string, error) {
	if err := checkContext(ctx); err != nil {
		return "", err
	}
	if err := m.cache.Add(key, value, cache.NoExpiration); err != nil {
		// Add only fails when the key already exists.
		if existing, found := m.cache.Get(key); found {
			return existing.(string), nil
		}
		m.cache.Set(key, value, cache.NoExpiration)
	}
	return value, nil
}

func (m *memoryBackend) del(ctx context.Context, keys ...string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}
