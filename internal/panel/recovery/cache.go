package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	fallbackCacheSize = 500
	fallbackCacheTTL  = 5 * time.Minute
)

// FallbackStore is a bounded, TTL'd key/value store. LRUStore is the
// in-process implementation, and the one NewFallbackCache uses for a nil
// store; RedisStore is an alternative a caller can pass in so several panel
// replicas share one cache. client.New always builds its cache over the
// in-process LRU, and config.PanelConfig.RedisURL is not read here.
type FallbackStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheKey derives the (function_name, hash(args)) cache key.
func CacheKey(function string, args ...any) string {
	h := sha256.New()
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			fmt.Fprintf(h, "%v", a)
			continue
		}
		h.Write(b)
	}
	return function + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// LRUStore is the default in-process FallbackStore: a bounded, TTL'd LRU.
type LRUStore struct {
	lru *expirable.LRU[string, []byte]
}

// NewLRUStore constructs the default in-process fallback cache.
func NewLRUStore() *LRUStore {
	return &LRUStore{lru: expirable.NewLRU[string, []byte](fallbackCacheSize, nil, fallbackCacheTTL)}
}

func (s *LRUStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.lru.Get(key)
	return v, ok, nil
}

func (s *LRUStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.lru.Add(key, value)
	return nil
}

// RedisStore is a FallbackStore backed by a shared Redis instance, used
// when multiple panel replicas need to observe the same fallback cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "fleetd:fallback:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = fallbackCacheTTL
	}
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// FallbackCache wraps a FallbackStore with typed Remember/Recall helpers
// keyed by (function_name, args).
type FallbackCache struct {
	store FallbackStore
	ttl   time.Duration
}

// NewFallbackCache constructs a FallbackCache over store. A nil store
// defaults to an in-process LRUStore.
func NewFallbackCache(store FallbackStore) *FallbackCache {
	if store == nil {
		store = NewLRUStore()
	}
	return &FallbackCache{store: store, ttl: fallbackCacheTTL}
}

// Remember stores result under (function, args) for later Recall on a
// cacheable successful call.
func (c *FallbackCache) Remember(ctx context.Context, function string, args []any, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, CacheKey(function, args...), b, c.ttl)
}

// Recall returns the cached result for (function, args), unmarshalled into
// out, when present and not expired. ok is false on a cache miss.
func (c *FallbackCache) Recall(ctx context.Context, function string, args []any, out any) (ok bool, err error) {
	b, found, err := c.store.Get(ctx, CacheKey(function, args...))
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}
