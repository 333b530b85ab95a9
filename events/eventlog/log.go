// Package eventlog implements the local event log: one JSONL file per run
// under a data directory plus an in-process bus. Appends persist first, then
// notify synchronous handlers and buffered subscriptions.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"goa.design/runloop/events"
	"goa.design/runloop/telemetry"
)

type (
	// Log is the filesystem-backed events.Log. Writers for the same run are
	// serialized through a per-run mutex so sequence numbers stay gap-free.
	Log struct {
		dir      string
		queueCap int
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu   sync.Mutex
		runs map[string]*runLog

		hmu      sync.RWMutex
		handlers []events.Handler
	}

	// Option configures a Log.
	Option func(*Log)

	runLog struct {
		mu      sync.Mutex
		nextSeq int64
		loaded  bool
		subs    []*subscription
	}
)

// WithQueueCapacity sets the per-subscriber queue bound. Subscribers that
// fall further behind than cap events are dropped with ErrSlowSubscriber.
func WithQueueCapacity(n int) Option {
	return func(l *Log) { l.queueCap = n }
}

// WithLogger sets the logger used for broadcast failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// New returns a Log that persists run histories under dir.
func New(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event dir: %w", err)
	}
	l := &Log{
		dir:      dir,
		queueCap: 256,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		runs:     make(map[string]*runLog),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Register implements events.Dispatcher. Handlers must be registered before
// the log starts receiving appends.
func (l *Log) Register(h events.Handler) {
	l.hmu.Lock()
	l.handlers = append(l.handlers, h)
	l.hmu.Unlock()
}

// Append implements events.Log.
func (l *Log) Append(ctx context.Context, runID string, typ events.Type, data map[string]any) (events.Event, error) {
	rl := l.run(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if err := l.ensureLoaded(runID, rl); err != nil {
		return events.Event{}, err
	}

	ev := events.New(runID, typ, data)
	ev.Seq = rl.nextSeq
	line, err := json.Marshal(ev)
	if err != nil {
		return events.Event{}, fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(l.path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return events.Event{}, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	if err := f.Close(); err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	rl.nextSeq++
	l.metrics.IncCounter("events.appended", 1, "type", string(typ))

	l.dispatch(ctx, ev)
	l.fanout(rl, ev)
	return ev, nil
}

// History implements events.Log.
func (l *Log) History(ctx context.Context, runID string) ([]events.Event, error) {
	rl := l.run(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return l.readAll(runID)
}

// Subscribe implements events.Log. The run lock is held while the history
// snapshot is taken and the subscriber registered, so no event falls in the
// gap between replay and tail.
func (l *Log) Subscribe(ctx context.Context, runID string) (events.Subscription, error) {
	rl := l.run(runID)
	rl.mu.Lock()
	history, err := l.readAll(runID)
	if err != nil {
		rl.mu.Unlock()
		return nil, err
	}
	sub := newSubscription(l.queueCap, func(s *subscription) { l.drop(rl, s) })
	sub.preload(history)
	if !sub.finished() {
		rl.subs = append(rl.subs, sub)
	}
	rl.mu.Unlock()
	go sub.deliver()
	return sub, nil
}

func (l *Log) run(runID string) *runLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.runs[runID]
	if !ok {
		rl = &runLog{nextSeq: 1}
		l.runs[runID] = rl
	}
	return rl
}

// ensureLoaded recovers the next sequence number from the run file after a
// restart. Called with the run lock held.
func (l *Log) ensureLoaded(runID string, rl *runLog) error {
	if rl.loaded {
		return nil
	}
	history, err := l.readAll(runID)
	if err != nil {
		return err
	}
	if n := len(history); n > 0 {
		rl.nextSeq = history[n-1].Seq + 1
	}
	rl.loaded = true
	return nil
}

func (l *Log) readAll(runID string) ([]events.Event, error) {
	f, err := os.Open(l.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	defer f.Close()
	var history []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		history = append(history, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	return history, nil
}

func (l *Log) dispatch(ctx context.Context, ev events.Event) {
	l.hmu.RLock()
	handlers := l.handlers
	l.hmu.RUnlock()
	for _, h := range handlers {
		if err := h.HandleEvent(ctx, ev); err != nil {
			l.logger.Error(ctx, "event handler failed",
				"run_id", ev.RunID, "seq", ev.Seq, "type", string(ev.Type), "err", err)
		}
	}
}

// fanout pushes the event to run subscribers. Called with the run lock held.
func (l *Log) fanout(rl *runLog, ev events.Event) {
	kept := rl.subs[:0]
	for _, sub := range rl.subs {
		if sub.push(ev) && !sub.finished() {
			kept = append(kept, sub)
		}
	}
	rl.subs = kept
}

func (l *Log) drop(rl *runLog, s *subscription) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, sub := range rl.subs {
		if sub == s {
			rl.subs = append(rl.subs[:i], rl.subs[i+1:]...)
			return
		}
	}
}

func (l *Log) path(runID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(runID)
	return filepath.Join(l.dir, safe+".jsonl")
}
