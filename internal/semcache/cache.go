// Package semcache deduplicates near-identical research queries. The
// completion capability condenses a query to its core semantic intent;
// the condensed form is hashed into a cache key, so different phrasings
// of the same question land in the same slot. Entries expire on a
// sliding 24-hour window.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/candorlabs/researchd/internal/capability"
	"github.com/candorlabs/researchd/internal/metrics"
)

const (
	keyPrefix  = "semcache:"
	defaultTTL = 24 * time.Hour
)

// Entry is the stored cache record.
type Entry struct {
	Result        string    `json:"result"`
	OriginalQuery string    `json:"original_query"`
	CreatedAt     time.Time `json:"created_at"`
}

// Cache maps semantically equivalent queries to previously produced
// results. Key derivation failures are never fatal; they become
// unconditional misses.
type Cache struct {
	completer capability.Completer
	store     Store
	ttl       time.Duration
	logger    *zap.Logger
}

// New creates a semantic cache. A non-positive ttl selects the 24-hour
// default.
func New(completer capability.Completer, store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{completer: completer, store: store, ttl: ttl, logger: logger}
}

// deriveKey condenses the query via the completion capability and hashes
// the condensed form.
func (c *Cache) deriveKey(ctx context.Context, query string) (string, error) {
	condensed, err := c.completer.Complete(ctx, "condense_query", capability.Args{
		"query": query,
	})
	if err != nil {
		return "", err
	}
	condensed = strings.ToLower(strings.TrimSpace(condensed))
	if condensed == "" {
		return "", errors.New("query condensed to nothing")
	}
	sum := sha256.Sum256([]byte(condensed))
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

// Lookup returns a previously cached result for a semantically equivalent
// query. A hit refreshes the sliding expiration.
func (c *Cache) Lookup(ctx context.Context, query string) (string, bool) {
	key, err := c.deriveKey(ctx, query)
	if err != nil {
		c.logger.Warn("Cache key derivation failed, treating as miss", zap.Error(err))
		metrics.CacheKeyFailures.Inc()
		return "", false
	}
	return c.lookupKey(ctx, key)
}

func (c *Cache) lookupKey(ctx context.Context, key string) (string, bool) {
	raw, ok := c.store.Get(ctx, key)
	if !ok {
		metrics.CacheMisses.Inc()
		return "", false
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("Cache entry corrupt, treating as miss", zap.Error(err))
		metrics.CacheMisses.Inc()
		return "", false
	}

	c.store.Touch(ctx, key, c.ttl)
	metrics.CacheHits.Inc()
	return entry.Result, true
}

// Store records a result for future semantically equivalent queries.
// Best effort: derivation or store failures are logged and dropped.
func (c *Cache) Store(ctx context.Context, query, result string) {
	key, err := c.deriveKey(ctx, query)
	if err != nil {
		c.logger.Warn("Cache key derivation failed, result not cached", zap.Error(err))
		metrics.CacheKeyFailures.Inc()
		return
	}
	c.storeKey(ctx, key, query, result)
}

func (c *Cache) storeKey(ctx context.Context, key, query, result string) {
	raw, err := json.Marshal(Entry{
		Result:        result,
		OriginalQuery: query,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		c.logger.Warn("Cache entry not serializable", zap.Error(err))
		return
	}
	c.store.Set(ctx, key, string(raw), c.ttl)
}

// GetOrCompute returns the cached result for the query, or invokes
// compute on a miss and caches its output. The bool reports whether the
// result came from the cache. The key is derived once and shared by the
// lookup and the store.
func (c *Cache) GetOrCompute(ctx context.Context, query string, compute func(ctx context.Context) (string, error)) (string, bool, error) {
	key, err := c.deriveKey(ctx, query)
	if err != nil {
		c.logger.Warn("Cache key derivation failed, treating as miss", zap.Error(err))
		metrics.CacheKeyFailures.Inc()
		result, cerr := compute(ctx)
		return result, false, cerr
	}

	if result, ok := c.lookupKey(ctx, key); ok {
		return result, true, nil
	}

	result, err := compute(ctx)
	if err != nil {
		return "", false, err
	}
	c.storeKey(ctx, key, query, result)
	return result, false, nil
}
