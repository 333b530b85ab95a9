// Package stateredis persists run state snapshots as JSON documents in Redis
// under ai:run:{id}:state. A Redis SET is atomic, so readers never observe a
// partial snapshot.
package stateredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/runloop/state"
)

// Store is the Redis-backed state.Store.
type Store struct {
	rdb redis.UniversalClient
}

// New returns a Store over the given Redis connection.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context, runID string) (*state.RunState, error) {
	b, err := s.rdb.Get(ctx, key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var rs state.RunState
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &rs, nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, rs *state.RunState) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	if err := s.rdb.Set(ctx, key(rs.RunID), b, 0).Err(); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

func key(runID string) string { return "ai:run:" + runID + ":state" }
