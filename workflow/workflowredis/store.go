// Package workflowredis persists workflow states as JSON documents in Redis
// under ai:run:{id}:workflow. An index set tracks incomplete runs so crash
// resume does not scan the keyspace.
package workflowredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/runloop/workflow"
)

const incompleteKey = "ai:workflow:incomplete"

// Store is the Redis-backed workflow.Store.
type Store struct {
	rdb redis.UniversalClient
}

// New returns a Store over the given Redis connection.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Load implements workflow.Store.
func (s *Store) Load(ctx context.Context, runID string) (*workflow.State, error) {
	b, err := s.rdb.Get(ctx, key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, workflow.ErrNotFound
		}
		return nil, fmt.Errorf("read workflow state: %w", err)
	}
	var ws workflow.State
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	if ws.Attempts == nil {
		ws.Attempts = make(map[workflow.Step]int)
	}
	return &ws, nil
}

// Save implements workflow.Store. The state write and the incomplete-index
// update are pipelined so both land together.
func (s *Store) Save(ctx context.Context, ws *workflow.State) error {
	b, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key(ws.RunID), b, 0)
	if ws.Terminal() {
		pipe.SRem(ctx, incompleteKey, ws.RunID)
	} else {
		pipe.SAdd(ctx, incompleteKey, ws.RunID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write workflow state: %w", err)
	}
	return nil
}

// ListIncomplete implements workflow.Store.
func (s *Store) ListIncomplete(ctx context.Context) ([]string, error) {
	runs, err := s.rdb.SMembers(ctx, incompleteKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list incomplete workflows: %w", err)
	}
	return runs, nil
}

func key(runID string) string { return "ai:run:" + runID + ":workflow" }
