package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses duplicate deliveries of tool requests. FirstDelivery
// atomically records the request ID and reports whether it was new.
type Deduper interface {
	FirstDelivery(ctx context.Context, requestID string) (bool, error)
}

// MemoryDeduper is the in-process Deduper for single-process deployments.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDeduper returns an empty MemoryDeduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

// FirstDelivery implements Deduper.
func (d *MemoryDeduper) FirstDelivery(_ context.Context, requestID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[requestID]; ok {
		return false, nil
	}
	d.seen[requestID] = struct{}{}
	return true, nil
}

// DefaultDedupeTTL keeps processed-request markers for a day, comfortably
// longer than any queue redelivery window.
const DefaultDedupeTTL = 24 * time.Hour

// RedisDeduper records processed request IDs under tool:processed:{id} with
// SET NX so workers in different processes agree on the first delivery.
type RedisDeduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisDeduper returns a RedisDeduper; ttl <= 0 uses DefaultDedupeTTL.
func NewRedisDeduper(rdb redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

// FirstDelivery implements Deduper.
func (d *RedisDeduper) FirstDelivery(ctx context.Context, requestID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "tool:processed:"+requestID, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check: %w", err)
	}
	return ok, nil
}
