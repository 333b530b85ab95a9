// Package redislog implements the distributed event log. Durable truth lives
// in Redis: one list per run (ai:run:{id}:events) ordered by a sequence
// counter (ai:run:{id}:event_seq), both updated atomically by a Lua script.
// Live notification rides Pulse streams: one per run for client
// subscriptions plus a shared events.all stream that feeds the process-local
// handler relay. Subscribers reconcile the brief overlap between list replay
// and stream tail by sequence number.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/runloop/events"
	"goa.design/runloop/pulseclient"
	"goa.design/runloop/telemetry"
)

const (
	keyPrefix     = "ai:run:"
	allStreamName = "events.all"
)

type (
	// Log is the Redis-backed events.Log.
	Log struct {
		rdb       redis.UniversalClient
		streams   pulseclient.Client
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		sinkName  string
		subBuffer int

		mu        sync.Mutex
		runStream map[string]pulseclient.Stream
		all       pulseclient.Stream

		hmu      sync.RWMutex
		handlers []events.Handler
	}

	// Option configures a Log.
	Option func(*Log)
)

// appendScript assigns the next sequence number and pushes the event onto the
// run list in one atomic step, so list order always matches sequence order
// even with appenders in different processes. The envelope is marshaled with
// seq zero and the script stamps the assigned value; the envelope's seq field
// precedes the data object, so the first match is always the envelope's.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local line = string.gsub(ARGV[1], '"seq":0', '"seq":' .. seq, 1)
redis.call('RPUSH', KEYS[2], line)
return seq
`)

// WithLogger sets the logger used for notify and relay failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithRelaySink sets the Pulse sink name used by the handler relay. Reusing a
// name across restarts resumes from the last acknowledged entry; a fresh name
// replays the retained stream, which handlers must tolerate (they dedupe by
// run and sequence).
func WithRelaySink(name string) Option {
	return func(l *Log) { l.sinkName = name }
}

// WithSubscriberBuffer sets the outbound channel capacity of subscriptions.
func WithSubscriberBuffer(n int) Option {
	return func(l *Log) { l.subBuffer = n }
}

// New returns a Log over the given Redis connection and Pulse client.
func New(rdb redis.UniversalClient, streams pulseclient.Client, opts ...Option) *Log {
	l := &Log{
		rdb:       rdb,
		streams:   streams,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		sinkName:  "runloop-relay",
		subBuffer: 64,
		runStream: make(map[string]pulseclient.Stream),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register implements events.Dispatcher. Registered handlers receive events
// through the relay started by Start.
func (l *Log) Register(h events.Handler) {
	l.hmu.Lock()
	l.handlers = append(l.handlers, h)
	l.hmu.Unlock()
}

// Append implements events.Log. The event is durable once the script returns;
// stream notification is best-effort and its failure never fails the append.
func (l *Log) Append(ctx context.Context, runID string, typ events.Type, data map[string]any) (events.Event, error) {
	ev := events.New(runID, typ, data)
	line, err := json.Marshal(ev)
	if err != nil {
		return events.Event{}, fmt.Errorf("encode event: %w", err)
	}
	seq, err := appendScript.Run(ctx, l.rdb, []string{seqKey(runID), listKey(runID)}, string(line)).Int64()
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	ev.Seq = seq
	l.metrics.IncCounter("events.appended", 1, "type", string(typ))

	l.notify(ctx, ev)
	return ev, nil
}

// History implements events.Log.
func (l *Log) History(ctx context.Context, runID string) ([]events.Event, error) {
	return l.fetchRange(ctx, runID, 1, -1)
}

// notify publishes the event on the run stream and the shared stream.
func (l *Log) notify(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error(ctx, "encode notify payload", "run_id", ev.RunID, "err", err)
		return
	}
	for _, str := range []pulseclient.Stream{l.streamFor(ev.RunID), l.allStream()} {
		if str == nil {
			continue
		}
		if _, err := str.Add(ctx, string(ev.Type), payload); err != nil {
			l.logger.Error(ctx, "event notify failed",
				"run_id", ev.RunID, "seq", ev.Seq, "type", string(ev.Type), "err", err)
		}
	}
}

// fetchRange returns persisted events with sequence numbers in [from, to];
// to = -1 means through the end of the log.
func (l *Log) fetchRange(ctx context.Context, runID string, from, to int64) ([]events.Event, error) {
	stop := to - 1
	if to < 0 {
		stop = -1
	}
	lines, err := l.rdb.LRange(ctx, listKey(runID), from-1, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", events.ErrStoreUnavailable, err)
	}
	evs := make([]events.Event, 0, len(lines))
	for _, line := range lines {
		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (l *Log) streamFor(runID string) pulseclient.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	if str, ok := l.runStream[runID]; ok {
		return str
	}
	str, err := l.streams.Stream(runStreamName(runID))
	if err != nil {
		l.logger.Error(context.Background(), "open run stream", "run_id", runID, "err", err)
		return nil
	}
	l.runStream[runID] = str
	return str
}

func (l *Log) allStream() pulseclient.Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.all != nil {
		return l.all
	}
	str, err := l.streams.Stream(allStreamName)
	if err != nil {
		l.logger.Error(context.Background(), "open shared stream", "err", err)
		return nil
	}
	l.all = str
	return str
}

// Subscribe implements events.Log. The sink is opened before the history
// replay so no event falls between replay and tail; the overlap window is
// deduplicated by sequence number.
func (l *Log) Subscribe(ctx context.Context, runID string) (events.Subscription, error) {
	str, err := l.streams.Stream(runStreamName(runID))
	if err != nil {
		return nil, fmt.Errorf("open run stream: %w", err)
	}
	sink, err := str.NewSink(ctx, subscriberSinkName(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("open run sink: %w", err)
	}
	history, err := l.History(ctx, runID)
	if err != nil {
		sink.Close(ctx)
		return nil, err
	}
	sub := newSubscription(l, runID, sink, l.subBuffer)
	go sub.run(ctx, history)
	return sub, nil
}

func seqKey(runID string) string  { return keyPrefix + runID + ":event_seq" }
func listKey(runID string) string { return keyPrefix + runID + ":events" }

func runStreamName(runID string) string { return "events.run." + runID }
