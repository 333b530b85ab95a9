// Package redislease implements the distributed run lease on Redis. Each
// engine instance acquires lease:run:{id} with SET NX PX under its own owner
// token; refresh and release check the token in a Lua script so an expired
// lease taken over by another instance is never touched.
package redislease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/runloop/lease"
)

const keyPrefix = "lease:run:"

// DefaultTTL is the lease lifetime between refreshes.
const DefaultTTL = 30 * time.Second

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is the Redis-backed lease.Lease.
type Lease struct {
	rdb   redis.UniversalClient
	owner string
	ttl   time.Duration
}

var _ lease.Lease = (*Lease)(nil)

// New returns a Lease with a fresh owner token and the given TTL; ttl <= 0
// uses DefaultTTL.
func New(rdb redis.UniversalClient, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{rdb: rdb, owner: uuid.NewString(), ttl: ttl}
}

// Acquire implements lease.Lease.
func (l *Lease) Acquire(ctx context.Context, runID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, keyPrefix+runID, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring a lease this instance already holds extends it.
	return l.Refresh(ctx, runID)
}

// Refresh implements lease.Lease.
func (l *Lease) Refresh(ctx context.Context, runID string) (bool, error) {
	n, err := refreshScript.Run(ctx, l.rdb, []string{keyPrefix + runID}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return n == 1, nil
}

// Release implements lease.Lease.
func (l *Lease) Release(ctx context.Context, runID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + runID}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
