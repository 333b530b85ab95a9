package state

import (
	"context"
	"errors"
)

// ErrNotFound reports that no snapshot exists for the run.
var ErrNotFound = errors.New("run state not found")

// Store persists run state snapshots.
type Store interface {
	// Load returns the snapshot for runID or ErrNotFound.
	Load(ctx context.Context, runID string) (*RunState, error)
	// Save persists the snapshot, replacing any previous one.
	Save(ctx context.Context, s *RunState) error
}
