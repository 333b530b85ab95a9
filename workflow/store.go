package workflow

import (
	"context"
	"errors"
)

// ErrNotFound reports that no workflow state exists for the run.
var ErrNotFound = errors.New("workflow state not found")

// Store persists workflow states. Save must be atomic: a crash mid-write
// never leaves a partial state behind.
type Store interface {
	// Load returns the state for runID or ErrNotFound.
	Load(ctx context.Context, runID string) (*State, error)
	// Save persists the state, replacing any previous one.
	Save(ctx context.Context, s *State) error
	// ListIncomplete returns the IDs of runs whose workflow has not reached
	// a terminal status. Used for crash resume.
	ListIncomplete(ctx context.Context) ([]string, error)
}
