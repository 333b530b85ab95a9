// Package executor runs tool requests through the full pipeline: duplicate
// suppression, registry lookup, permission gate, schema validation, cache,
// throttled bounded invocation, and emission of exactly one terminator event
// per request (tool.completed, tool.failed, or tool.denied).
package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/tools"
)

// DefaultTimeout bounds a tool invocation when neither the descriptor nor
// the executor options set one.
const DefaultTimeout = 30 * time.Second

type (
	// Executor consumes tool.requested events and appends the outcome back
	// to the run's event log.
	Executor struct {
		log      events.Log
		registry *tools.Registry
		gate     *tools.Gate
		dedupe   Deduper
		cache    *tools.Cache
		limiter  *rate.Limiter
		timeout  time.Duration
		jitter   func() time.Duration
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Option configures an Executor.
	Option func(*Executor)

	// request is the decoded payload of a tool.requested event.
	request struct {
		RunID     string
		RequestID string
		Tool      string
		Args      map[string]any
		Identity  events.Identity
	}
)

// WithCache enables result caching for read-only tools.
func WithCache(c *tools.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithDeduper sets the duplicate-delivery filter. Defaults to the in-memory
// deduper; distributed deployments use the Redis one.
func WithDeduper(d Deduper) Option {
	return func(e *Executor) { e.dedupe = d }
}

// WithRateLimit throttles outbound tool invocations.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithDefaultTimeout sets the invocation timeout for descriptors without
// their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithRetryJitter overrides the delay before the single server_error retry.
func WithRetryJitter(f func() time.Duration) Option {
	return func(e *Executor) { e.jitter = f }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New returns an Executor appending outcomes to log.
func New(log events.Log, registry *tools.Registry, gate *tools.Gate, opts ...Option) *Executor {
	e := &Executor{
		log:      log,
		registry: registry,
		gate:     gate,
		dedupe:   NewMemoryDeduper(),
		timeout:  DefaultTimeout,
		jitter:   func() time.Duration { return time.Duration(100+rand.Intn(200)) * time.Millisecond },
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleEvent implements events.Handler for single-process deployments: the
// executor subscribes directly to the append path and runs each request in
// its own goroutine so appends never block on tool calls.
func (e *Executor) HandleEvent(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypeToolRequested {
		return nil
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := e.ExecuteRequest(detached, ev); err != nil {
			e.logger.Error(detached, "tool request failed before terminator",
				"run_id", ev.RunID, "err", err)
		}
	}()
	return nil
}

// ExecuteRequest runs one delivered tool.requested event through the
// pipeline. A nil return means the request finished (a terminator was
// emitted or the delivery was a duplicate or malformed) and may be acked; a
// non-nil return means no terminator was emitted and the delivery should be
// redelivered.
func (e *Executor) ExecuteRequest(ctx context.Context, ev events.Event) error {
	req := parseRequest(ev)
	if req.RequestID == "" || req.Tool == "" {
		e.logger.Warn(ctx, "malformed tool request", "run_id", ev.RunID, "seq", ev.Seq)
		return nil
	}
	first, err := e.dedupe.FirstDelivery(ctx, req.RequestID)
	if err != nil {
		return err
	}
	if !first {
		e.logger.Debug(ctx, "duplicate tool request suppressed",
			"run_id", req.RunID, "request_id", req.RequestID)
		e.metrics.IncCounter("tools.duplicates", 1)
		return nil
	}

	desc, ok := e.registry.Lookup(req.Tool)
	if !ok {
		e.fail(ctx, req, fault.KindBadPlan, "unknown tool "+req.Tool)
		return nil
	}
	if allowed, reason := e.gate.Check(desc.PermissionScope); !allowed {
		e.emit(ctx, req, events.TypeToolDenied, map[string]any{"reason": reason})
		e.metrics.IncCounter("tools.denied", 1, "tool", req.Tool)
		return nil
	}
	if err := e.registry.Validate(req.Tool, req.Args); err != nil {
		e.fail(ctx, req, fault.KindSchemaViolation, err.Error())
		return nil
	}

	cacheable := desc.ReadOnly && e.cache != nil
	var cacheKey string
	if cacheable {
		cacheKey = tools.ToolKey(req.Identity.TenantID, req.Tool, req.Args)
		if out, hit := e.cache.Get(cacheKey); hit {
			e.emit(ctx, req, events.TypeCacheHit, map[string]any{"kind": "tool"})
			e.complete(ctx, req, out, 0, true)
			return nil
		}
		e.emit(ctx, req, events.TypeCacheMiss, map[string]any{"kind": "tool"})
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	out, elapsed, err := e.invoke(ctx, req, desc)
	if err != nil {
		return nil // terminator already emitted by invoke
	}
	if cacheable {
		e.cache.Put(cacheKey, out)
	}
	e.complete(ctx, req, out, elapsed, false)
	return nil
}

// invoke calls the tool with its timeout. A server_error is retried once
// after a short jitter; any other failure, or a second server_error, emits
// the terminator and returns the error to signal the request is finished.
func (e *Executor) invoke(ctx context.Context, req request, desc tools.Descriptor) (map[string]any, time.Duration, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.registry.Call(cctx, req.Tool, req.Args)
		cancel()
		if err == nil {
			return out, time.Since(start), nil
		}
		kind := classify(err)
		if kind == fault.KindServerError && attempt == 1 {
			// At most one tool.server.error per request, on the first
			// failure; the retry outcome shows up as the terminator.
			e.emit(ctx, req, events.TypeToolServerError, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			select {
			case <-time.After(e.jitter()):
				continue
			case <-ctx.Done():
			}
		}
		e.fail(ctx, req, kind, err.Error())
		return nil, 0, err
	}
}

func (e *Executor) complete(ctx context.Context, req request, out map[string]any, elapsed time.Duration, cached bool) {
	e.emit(ctx, req, events.TypeToolCompleted, map[string]any{
		"output":      out,
		"duration_ms": elapsed.Milliseconds(),
		"cached":      cached,
	})
	e.metrics.IncCounter("tools.completed", 1, "tool", req.Tool)
}

func (e *Executor) fail(ctx context.Context, req request, kind fault.Kind, msg string) {
	e.emit(ctx, req, events.TypeToolFailed, map[string]any{
		"error_kind": string(kind),
		"error":      msg,
	})
	e.metrics.IncCounter("tools.failed", 1, "tool", req.Tool, "kind", string(kind))
}

func (e *Executor) emit(ctx context.Context, req request, typ events.Type, data map[string]any) {
	data["request_id"] = req.RequestID
	data["tool_name"] = req.Tool
	events.Stamp(data, req.Identity)
	if _, err := e.log.Append(ctx, req.RunID, typ, data); err != nil {
		e.logger.Error(ctx, "append tool event",
			"run_id", req.RunID, "type", string(typ), "err", err)
	}
}

func classify(err error) fault.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.KindTimeout
	}
	if kind := fault.KindOf(err); kind != fault.KindUnknown {
		return kind
	}
	return fault.KindServerError
}

func parseRequest(ev events.Event) request {
	req := request{RunID: ev.RunID}
	if v, ok := ev.Data["request_id"].(string); ok {
		req.RequestID = v
	}
	if v, ok := ev.Data["tool_name"].(string); ok {
		req.Tool = v
	}
	if v, ok := ev.Data["arguments"].(map[string]any); ok {
		req.Args = v
	}
	if v, ok := ev.Data["tenant_id"].(string); ok {
		req.Identity.TenantID = v
	}
	if v, ok := ev.Data["user_id"].(string); ok {
		req.Identity.UserID = v
	}
	return req
}
