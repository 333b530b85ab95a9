// Package workflowfs persists workflow states as JSON files, one per run,
// written through a temp file and rename.
package workflowfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"goa.design/runloop/workflow"
)

// Store is the filesystem-backed workflow.Store.
type Store struct {
	dir string
}

// New returns a Store writing states under dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load implements workflow.Store.
func (s *Store) Load(_ context.Context, runID string) (*workflow.State, error) {
	b, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
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

// Save implements workflow.Store.
func (s *Store) Save(_ context.Context, ws *workflow.State) error {
	b, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "workflow-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp workflow file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write workflow state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp workflow file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(ws.RunID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace workflow state: %w", err)
	}
	return nil
}

// ListIncomplete implements workflow.Store.
func (s *Store) ListIncomplete(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list workflow dir: %w", err)
	}
	var runs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ws, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if !ws.Terminal() {
			runs = append(runs, ws.RunID)
		}
	}
	return runs, nil
}

func (s *Store) path(runID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(runID)
	return filepath.Join(s.dir, safe+".json")
}
