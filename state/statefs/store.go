// Package statefs persists run state snapshots as JSON files, one per run.
// Writes go through a temp file and rename so readers never observe a
// partial snapshot.
package statefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"context"

	"goa.design/runloop/state"
)

// Store is the filesystem-backed state.Store.
type Store struct {
	dir string
}

// New returns a Store writing snapshots under dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load implements state.Store.
func (s *Store) Load(_ context.Context, runID string) (*state.RunState, error) {
	b, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
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
func (s *Store) Save(_ context.Context, rs *state.RunState) error {
	b, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rs.RunID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace run state: %w", err)
	}
	return nil
}

func (s *Store) path(runID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(runID)
	return filepath.Join(s.dir, safe+".json")
}
