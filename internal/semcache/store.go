package semcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/circuitbreaker"
)

// Store is the expiring key-value backing for the semantic cache. All
// methods are safe for concurrent use; failures degrade to misses.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	// Touch refreshes the sliding expiration of an existing key.
	Touch(ctx context.Context, key string, ttl time.Duration)
}

// LocalStore is an in-process expiring map, used standalone in tests and
// as the default when no Redis is configured.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

// NewLocalStore creates an empty in-process store.
func NewLocalStore() *LocalStore {
	return &LocalStore{entries: make(map[string]localEntry)}
}

func (s *LocalStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

func (s *LocalStore) Set(_ context.Context, key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Opportunistic sweep keeps the map from accumulating dead entries.
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = localEntry{value: value, expiresAt: now.Add(ttl)}
}

func (s *LocalStore) Touch(_ context.Context, key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.expiresAt = time.Now().Add(ttl)
		s.entries[key] = e
	}
}

// Len reports the number of live entries.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore backs the cache with Redis behind a circuit breaker, so a
// Redis outage degrades to cache misses instead of failing requests.
type RedisStore struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redis *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{redis: redis, logger: logger}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn("Cache store write failed", zap.Error(err))
	}
}

func (s *RedisStore) Touch(ctx context.Context, key string, ttl time.Duration) {
	if err := s.redis.Expire(ctx, key, ttl).Err(); err != nil {
		s.logger.Warn("Cache TTL refresh failed", zap.Error(err))
	}
}
