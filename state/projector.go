package state

import (
	"context"
	"fmt"
	"sync"

	"goa.design/runloop/events"
	"goa.design/runloop/telemetry"
)

// Projector folds run events into persisted snapshots. It registers as an
// event handler on the append path and is the single snapshot writer per
// run: folds for one run are serialized through a per-run lock. Replayed or
// duplicate events are skipped by sequence number, and a sequence gap
// triggers a full rebuild from history, so the handler is safe under
// at-least-once delivery.
type Projector struct {
	store  Store
	log    events.Log
	logger telemetry.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*RunState
}

// NewProjector returns a projector writing through to store and rebuilding
// from log when needed.
func NewProjector(store Store, log events.Log, logger telemetry.Logger) *Projector {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Projector{
		store:  store,
		log:    log,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		cache:  make(map[string]*RunState),
	}
}

// HandleEvent implements events.Handler.
func (p *Projector) HandleEvent(ctx context.Context, ev events.Event) error {
	lock := p.runLock(ev.RunID)
	lock.Lock()
	defer lock.Unlock()

	s, err := p.snapshot(ctx, ev.RunID)
	if err != nil {
		return err
	}
	if ev.Seq <= s.LastEventSeq {
		return nil
	}
	if ev.Seq > s.LastEventSeq+1 {
		rebuilt, err := p.rebuildLocked(ctx, ev.RunID)
		if err != nil {
			return err
		}
		s = rebuilt
		if ev.Seq <= s.LastEventSeq {
			return nil
		}
	}

	next := s.clone()
	next.Apply(ev)
	if err := p.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	p.put(ev.RunID, next)
	return nil
}

// Rebuild refolds the snapshot from the full event history and persists it.
// The coordinator calls it for each incomplete run on startup so snapshots
// are consistent before the engine resumes them.
func (p *Projector) Rebuild(ctx context.Context, runID string) (*RunState, error) {
	lock := p.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	return p.rebuildLocked(ctx, runID)
}

// Get returns the current snapshot for runID, loading it from the store when
// not cached.
func (p *Projector) Get(ctx context.Context, runID string) (*RunState, error) {
	lock := p.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	s, err := p.snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// Forget drops the in-memory entries for a finished run.
func (p *Projector) Forget(runID string) {
	p.mu.Lock()
	delete(p.cache, runID)
	delete(p.locks, runID)
	p.mu.Unlock()
}

func (p *Projector) rebuildLocked(ctx context.Context, runID string) (*RunState, error) {
	history, err := p.log.History(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	s := New(runID)
	for _, ev := range history {
		s.Apply(ev)
	}
	if err := p.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save run state: %w", err)
	}
	p.put(runID, s)
	return s, nil
}

// snapshot returns the cached snapshot, falling back to the store and then
// to a fresh initial state. Called with the run lock held.
func (p *Projector) snapshot(ctx context.Context, runID string) (*RunState, error) {
	p.mu.Lock()
	s, ok := p.cache[runID]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := p.store.Load(ctx, runID)
	switch {
	case err == nil:
	case err == ErrNotFound:
		s = New(runID)
	default:
		return nil, fmt.Errorf("load run state: %w", err)
	}
	p.put(runID, s)
	return s, nil
}

func (p *Projector) put(runID string, s *RunState) {
	p.mu.Lock()
	p.cache[runID] = s
	p.mu.Unlock()
}

func (p *Projector) runLock(runID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[runID] = lock
	}
	return lock
}

// clone copies the snapshot with fresh slice headers so readers never alias
// the projector's cached copy.
func (s *RunState) clone() *RunState {
	c := *s
	c.Decisions = append([]Decision(nil), s.Decisions...)
	c.DiscoveredTools = append([]string(nil), s.DiscoveredTools...)
	c.ToolRequests = append([]ToolRequest(nil), s.ToolRequests...)
	c.ToolResults = append([]ToolResult(nil), s.ToolResults...)
	c.RetrievedChunks = append([]Chunk(nil), s.RetrievedChunks...)
	c.SanitizedChunkIDs = append([]string(nil), s.SanitizedChunkIDs...)
	return &c
}
