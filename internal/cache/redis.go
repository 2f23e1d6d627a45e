// Package cache provides a Redis read-through cache for property lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/listings"
)

// DefaultPrefix is prepended to the UPRN to form a cache key
const DefaultPrefix = "ghs:property:"

// RedisResolver caches resolved properties in Redis. Redis being unavailable
// never fails a lookup; the inner resolver is used instead.
type RedisResolver struct {
	client *redis.Client
	inner  listings.PropertyResolver
	prefix string
	ttl    time.Duration
}

// NewRedisResolver wraps inner with a cache on client
func NewRedisResolver(client *redis.Client, inner listings.PropertyResolver, prefix string, ttl time.Duration) *RedisResolver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisResolver{
		client: client,
		inner:  inner,
		prefix: prefix,
		ttl:    ttl,
	}
}

// NewClient connects to the Redis server in cfg
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisResolver) key(uprn string) string {
	return r.prefix + uprn
}

// Resolve returns the cached property of uprn, resolving and caching it on a
// miss. Missing properties are not cached.
func (r *RedisResolver) Resolve(ctx context.Context, uprn string) (*epc.Property, error) {
	key := r.key(uprn)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var prop epc.Property
		if err := json.Unmarshal(data, &prop); err == nil {
			return &prop, nil
		}
		log.Printf("Warning: dropping undecodable cache entry %s", key)
	case errors.Is(err, redis.Nil):
	default:
		log.Printf("Warning: property cache lookup failed for %s: %v", uprn, err)
	}

	prop, err := r.inner.Resolve(ctx, uprn)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(prop)
	if err != nil {
		return prop, nil
	}
	if err := r.client.Set(ctx, key, encoded, r.ttl).Err(); err != nil {
		log.Printf("Warning: failed to cache property %s: %v", uprn, err)
	}
	return prop, nil
}

// Invalidate drops the cached entry of uprn
func (r *RedisResolver) Invalidate(ctx context.Context, uprn string) error {
	if err := r.client.Del(ctx, r.key(uprn)).Err(); err != nil {
		return fmt.Errorf("invalidate property %s: %w", uprn, err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisResolver) Close() error {
	return r.client.Close()
}
