package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gwi.com/search-assistant/internal/store"
)

// Cache is the byte-level storage behind CachedProvider.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// CachedProvider memoizes successful searches. Cache failures are logged and
// bypassed; errors from the wrapped provider are never cached.
type CachedProvider struct {
	next  Provider
	cache Cache
	ttl   time.Duration
}

func NewCachedProvider(next Provider, cache Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, ttl: ttl}
}

func (p *CachedProvider) Search(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	return cached(ctx, p, cacheKey("web", query, topK), func() ([]store.SearchResult, error) {
		return p.next.Search(ctx, query, topK)
	})
}

func (p *CachedProvider) SearchImages(ctx context.Context, query string, topK int) ([]store.ImageResult, error) {
	return cached(ctx, p, cacheKey("images", query, topK), func() ([]store.ImageResult, error) {
		return p.next.SearchImages(ctx, query, topK)
	})
}

func cached[T any](ctx context.Context, p *CachedProvider, key string, fetch func() ([]T, error)) ([]T, error) {
	if b, ok, err := p.cache.Get(ctx, key); err != nil {
		log.Printf("Warning: search cache read failed for %s: %v", key, err)
	} else if ok {
		var items []T
		if err := json.Unmarshal(b, &items); err == nil {
			return items, nil
		}
		log.Printf("Warning: corrupt search cache entry %s, refetching", key)
	}

	items, err := fetch()
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(items); err == nil {
		if err := p.cache.Set(ctx, key, b, p.ttl); err != nil {
			log.Printf("Warning: search cache write failed for %s: %v", key, err)
		}
	}
	return items, nil
}

func cacheKey(kind, query string, topK int) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return fmt.Sprintf("search:%s:%d:%s", kind, topK, hex.EncodeToString(sum[:]))
}
