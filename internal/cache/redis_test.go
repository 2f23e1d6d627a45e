package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/search"
)

type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	props map[string]*epc.Property
}

func newCountingResolver(props ...*epc.Property) *countingResolver {
	r := &countingResolver{calls: make(map[string]int), props: make(map[string]*epc.Property)}
	for _, p := range props {
		r.props[p.UPRN] = p
	}
	return r
}

func (r *countingResolver) Resolve(ctx context.Context, uprn string) (*epc.Property, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[uprn]++
	prop, ok := r.props[uprn]
	if !ok {
		return nil, search.ErrNotFound
	}
	return prop, nil
}

func (r *countingResolver) count(uprn string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[uprn]
}

func setupTestRedis(t *testing.T, inner *countingResolver) (*RedisResolver, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := NewClient(context.Background(), config.RedisConfig{URL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	resolver := NewRedisResolver(client, inner, "", time.Minute)
	t.Cleanup(func() { resolver.Close() })
	return resolver, s
}

func testProperty(uprn string) *epc.Property {
	return &epc.Property{
		UPRN:                 uprn,
		Address:              epc.Address{Address: "1 Test Street", Postcode: "AB1 2CD"},
		LatestEPC:            epc.LatestEPC{Rating: "C", PropertyType: "House"},
		EstimatedRunningCost: 1350,
	}
}

func TestResolve_CachesOnMiss(t *testing.T) {
	inner := newCountingResolver(testProperty("100"))
	resolver, s := setupTestRedis(t, inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		prop, err := resolver.Resolve(ctx, "100")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if prop.EstimatedRunningCost != 1350 {
			t.Errorf("Expected running cost 1350, got %d", prop.EstimatedRunningCost)
		}
	}

	if got := inner.count("100"); got != 1 {
		t.Errorf("Expected 1 inner lookup, got %d", got)
	}
	if !s.Exists(DefaultPrefix + "100") {
		t.Errorf("Expected key %s to be cached", DefaultPrefix+"100")
	}
	if ttl := s.TTL(DefaultPrefix + "100"); ttl != time.Minute {
		t.Errorf("Expected TTL of 1m, got %v", ttl)
	}
}

func TestResolve_ExpiredEntryIsRefetched(t *testing.T) {
	inner := newCountingResolver(testProperty("100"))
	resolver, s := setupTestRedis(t, inner)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "100"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	s.FastForward(2 * time.Minute)
	if _, err := resolver.Resolve(ctx, "100"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := inner.count("100"); got != 2 {
		t.Errorf("Expected 2 inner lookups after expiry, got %d", got)
	}
}

func TestResolve_NotFoundIsNotCached(t *testing.T) {
	inner := newCountingResolver()
	resolver, s := setupTestRedis(t, inner)

	_, err := resolver.Resolve(context.Background(), "404")
	if !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if s.Exists(DefaultPrefix + "404") {
		t.Error("Expected missing property not to be cached")
	}
}

func TestResolve_UndecodableEntryFallsBack(t *testing.T) {
	inner := newCountingResolver(testProperty("100"))
	resolver, s := setupTestRedis(t, inner)
	s.Set(DefaultPrefix+"100", "{not json")

	prop, err := resolver.Resolve(context.Background(), "100")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if prop.UPRN != "100" {
		t.Errorf("Expected UPRN 100, got %s", prop.UPRN)
	}
	if got := inner.count("100"); got != 1 {
		t.Errorf("Expected 1 inner lookup, got %d", got)
	}
}

func TestResolve_RedisDownFallsBack(t *testing.T) {
	inner := newCountingResolver(testProperty("100"))
	resolver, s := setupTestRedis(t, inner)
	s.Close()

	prop, err := resolver.Resolve(context.Background(), "100")
	if err != nil {
		t.Fatalf("Expected lookup to succeed without redis, got %v", err)
	}
	if prop.UPRN != "100" {
		t.Errorf("Expected UPRN 100, got %s", prop.UPRN)
	}
}

func TestInvalidate(t *testing.T) {
	inner := newCountingResolver(testProperty("100"))
	resolver, s := setupTestRedis(t, inner)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "100"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := resolver.Invalidate(ctx, "100"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if s.Exists(DefaultPrefix + "100") {
		t.Error("Expected entry to be removed")
	}
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(context.Background(), config.RedisConfig{URL: "not-a-url://"})
	if err == nil {
		t.Error("Expected an error for an invalid URL")
	}
}

func TestNewRedisResolver_CustomPrefix(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	resolver := NewRedisResolver(client, newCountingResolver(testProperty("7")), "test:", 0)
	defer resolver.Close()

	if _, err := resolver.Resolve(context.Background(), "7"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !s.Exists("test:7") {
		t.Error("Expected key test:7 to be cached")
	}
}
