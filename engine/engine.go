// Package engine drives run workflows: it schedules ready runs onto a worker
// pool, executes the step activities in order, applies the retry policies,
// parks runs that wait on events or approvals, and wakes them back up when
// the awaited event arrives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"goa.design/runloop/activity"
	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/lease"
	"goa.design/runloop/state"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/workflow"
)

// ErrRunFinished reports an operation against a run that already reached a
// terminal state.
var ErrRunFinished = errors.New("run already finished")

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 8

type (
	// Engine executes run workflows. It is an events.Handler: registered on
	// the log dispatch path it wakes parked runs when awaited events arrive
	// and cancels in-flight work when a run is terminated from outside.
	Engine struct {
		activities map[workflow.Step]activity.Activity
		store      workflow.Store
		states     *state.Projector
		log        events.Log
		lease      lease.Lease
		policies   workflow.Policies
		workers    int
		logger     telemetry.Logger
		metrics    telemetry.Metrics

		mu      sync.Mutex
		queue   []string
		queued  map[string]bool
		locks   map[string]*sync.Mutex
		cancels map[string]context.CancelFunc
		timers  map[string]*time.Timer
		closed  bool

		wake  chan struct{}
		group *errgroup.Group
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLease sets the per-run execution lease. Defaults to the no-op lease
// for single-process deployments.
func WithLease(l lease.Lease) Option {
	return func(e *Engine) { e.lease = l }
}

// WithPolicies overrides the per-step retry policies.
func WithPolicies(p workflow.Policies) Option {
	return func(e *Engine) { e.policies = p }
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine executing the given activities against the stores.
func New(activities map[workflow.Step]activity.Activity, store workflow.Store, states *state.Projector, log events.Log, opts ...Option) *Engine {
	e := &Engine{
		activities: activities,
		store:      store,
		states:     states,
		log:        log,
		lease:      lease.Noop(),
		policies:   workflow.DefaultPolicies(),
		workers:    DefaultWorkers,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		queued:     make(map[string]bool),
		locks:      make(map[string]*sync.Mutex),
		cancels:    make(map[string]context.CancelFunc),
		timers:     make(map[string]*time.Timer),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool. Workers run until ctx is canceled; Wait
// blocks until they exit.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.work(gctx)
			return nil
		})
	}
	e.group = g
	return nil
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() error {
	if e.group == nil {
		return nil
	}
	return e.group.Wait()
}

// Stop stops pending retry timers and cancels in-flight activities. Workers
// exit when the context passed to Start is canceled.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Enqueue marks runID ready for execution. Enqueues coalesce: a run already
// queued is not queued twice. Enqueue never blocks, so it is safe to call
// from the log dispatch path.
func (e *Engine) Enqueue(runID string) {
	e.mu.Lock()
	if e.closed || e.queued[runID] {
		e.mu.Unlock()
		return
	}
	e.queued[runID] = true
	e.queue = append(e.queue, runID)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RecordApproval records a human decision for a run waiting for approval.
// The decision is appended as an event so every process, and the run's
// subscribers, observe it.
func (e *Engine) RecordApproval(ctx context.Context, runID, decision string) error {
	if decision != workflow.DecisionApproved && decision != workflow.DecisionRejected {
		return fmt.Errorf("unknown decision %q", decision)
	}
	ws, err := e.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if ws.Terminal() {
		return ErrRunFinished
	}
	if ws.Status != workflow.StatusWaitingForApproval {
		return fmt.Errorf("run %s is not waiting for approval", runID)
	}
	_, err = e.log.Append(ctx, runID, events.TypeWorkflowApprovalRecorded, map[string]any{"decision": decision})
	return err
}

// HandleEvent implements events.Handler.
func (e *Engine) HandleEvent(ctx context.Context, ev events.Event) error {
	switch {
	case ev.Type == events.TypeWorkflowApprovalRecorded:
		return e.onApproval(ctx, ev)
	case events.IsTerminal(ev.Type):
		return e.onTerminal(ctx, ev)
	default:
		return e.onWakeCandidate(ctx, ev)
	}
}

func (e *Engine) onApproval(ctx context.Context, ev events.Event) error {
	ws, err := e.store.Load(ctx, ev.RunID)
	if err != nil {
		return err
	}
	if ws.Terminal() || ws.Status != workflow.StatusWaitingForApproval {
		return nil
	}
	decision, _ := ev.Data["decision"].(string)
	ws.HumanDecision = decision
	ws.Status = workflow.StatusRunning
	ws.Resuming = true
	ws.WaitingReason = ""
	ws.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, ws); err != nil {
		return err
	}
	e.Enqueue(ev.RunID)
	return nil
}

// onTerminal reconciles the workflow with a terminal run event appended from
// outside the drive loop, such as a cancellation. In-flight work for the run
// is canceled.
func (e *Engine) onTerminal(ctx context.Context, ev events.Event) error {
	e.cancelRun(ev.RunID)
	ws, err := e.store.Load(ctx, ev.RunID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil
		}
		return err
	}
	if ws.Terminal() {
		return nil
	}
	if ev.Type == events.TypeRunCompleted {
		ws.Status = workflow.StatusCompleted
	} else {
		ws.Status = workflow.StatusFailed
		if r, ok := ev.Data["reason"].(string); ok {
			ws.LastError = r
		}
	}
	ws.UpdatedAt = time.Now().UTC()
	return e.store.Save(ctx, ws)
}

func (e *Engine) onWakeCandidate(ctx context.Context, ev events.Event) error {
	ws, err := e.store.Load(ctx, ev.RunID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil
		}
		return err
	}
	if !ws.WantsEvent(ev.Type) {
		return nil
	}
	ws.Status = workflow.StatusRunning
	ws.Resuming = true
	ws.PendingEventTypes = nil
	ws.WaitingReason = ""
	ws.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, ws); err != nil {
		return err
	}
	e.logger.Info(ctx, "run resumed", "run_id", ev.RunID, "event", string(ev.Type))
	e.Enqueue(ev.RunID)
	return nil
}

func (e *Engine) work(ctx context.Context) {
	for {
		runID, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}
		e.drive(ctx, runID)
	}
}

func (e *Engine) next() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	runID := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.queued, runID)
	return runID, true
}

// drive executes steps for one run until it finishes, parks, or schedules a
// retry. The run lock serializes drives of the same run within the process;
// the lease serializes them across processes.
func (e *Engine) drive(ctx context.Context, runID string) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	ok, err := e.lease.Acquire(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "lease acquire", "run_id", runID, "err", err)
		return
	}
	if !ok {
		e.logger.Debug(ctx, "run leased elsewhere", "run_id", runID)
		return
	}
	defer func() {
		if err := e.lease.Release(ctx, runID); err != nil {
			e.logger.Warn(ctx, "lease release", "run_id", runID, "err", err)
		}
	}()

	ws, err := e.store.Load(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "load workflow", "run_id", runID, "err", err)
		return
	}

	for {
		if ws.Terminal() || ws.Waiting() {
			return
		}
		if ws.Status == workflow.StatusRetrying {
			if delay := time.Until(ws.RetryAt); delay > 0 {
				e.scheduleRetry(runID, delay)
				return
			}
			ws.Status = workflow.StatusRunning
		}
		if !e.step(ctx, ws) {
			return
		}
	}
}

// step executes one activity invocation and applies its result. It returns
// true when the drive loop should continue with the next step.
func (e *Engine) step(ctx context.Context, ws *workflow.State) bool {
	runID := ws.RunID
	step := ws.CurrentStep
	act, ok := e.activities[step]
	if !ok {
		e.fail(ctx, ws, step, fault.Newf(fault.KindServerError, "no activity for step %s", step))
		return false
	}

	// A run woken from a wait re-enters the same invocation; only a fresh
	// attempt consumes the step's attempt allowance.
	if ws.Resuming {
		ws.Resuming = false
	} else {
		ws.Attempts[step]++
	}
	attempt := ws.Attempts[step]
	ws.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, ws); err != nil {
		e.logger.Error(ctx, "save workflow", "run_id", runID, "err", err)
		return false
	}
	e.emit(ctx, runID, events.TypeWorkflowStepStarted, map[string]any{
		"step":    string(step),
		"attempt": attempt,
	})

	rs, err := e.states.Get(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "load run state", "run_id", runID, "err", err)
		e.retryOrFail(ctx, ws, step, fault.Wrap(fault.KindServerError, err))
		return false
	}

	actCtx, cancel := context.WithCancel(ctx)
	e.setCancel(runID, cancel)
	started := time.Now()
	res := act.Execute(actCtx, rs, ws)
	e.clearCancel(runID)
	cancel()
	e.metrics.RecordTimer("engine_step_duration", time.Since(started), "step", string(step))

	switch res.Kind {
	case workflow.ResultOk:
		e.emit(ctx, runID, events.TypeWorkflowStepCompleted, map[string]any{
			"step":    string(step),
			"attempt": attempt,
		})
		ws.CurrentStep = res.Next
		if res.Next == workflow.StepNone {
			// Finalize set the terminal status before returning.
			if !ws.Terminal() {
				ws.Status = workflow.StatusCompleted
			}
			e.finish(ctx, ws)
			return false
		}
		ws.Status = workflow.StatusRunning
		ws.RetryAt = time.Time{}
		ws.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, ws); err != nil {
			e.logger.Error(ctx, "save workflow", "run_id", runID, "err", err)
			return false
		}
		return true

	case workflow.ResultTransient:
		e.retryOrFail(ctx, ws, step, res.Err)
		return false

	case workflow.ResultFatal:
		e.fail(ctx, ws, step, res.Err)
		return false

	case workflow.ResultWaitEvents:
		ws.Status = workflow.StatusWaitingForEvent
		ws.PendingEventTypes = res.EventTypes
		ws.WaitingReason = res.Reason
		ws.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, ws); err != nil {
			e.logger.Error(ctx, "save workflow", "run_id", runID, "err", err)
			return false
		}
		typs := make([]string, len(res.EventTypes))
		for i, t := range res.EventTypes {
			typs[i] = string(t)
		}
		e.emit(ctx, runID, events.TypeWorkflowWaitingForEvent, map[string]any{
			"step":        string(step),
			"reason":      res.Reason,
			"event_types": typs,
		})
		// The awaited event may have been appended between the activity's
		// projection read and the park. Check the log tail and resume
		// immediately if so.
		if e.arrived(ctx, runID, rs.LastEventSeq, res.EventTypes) {
			ws.Status = workflow.StatusRunning
			ws.Resuming = true
			ws.PendingEventTypes = nil
			ws.WaitingReason = ""
			ws.UpdatedAt = time.Now().UTC()
			if err := e.store.Save(ctx, ws); err != nil {
				e.logger.Error(ctx, "save workflow", "run_id", runID, "err", err)
				return false
			}
			return true
		}
		return false

	case workflow.ResultWaitApproval:
		ws.Status = workflow.StatusWaitingForApproval
		ws.WaitingReason = res.Reason
		ws.UpdatedAt = time.Now().UTC()
		if err := e.store.Save(ctx, ws); err != nil {
			e.logger.Error(ctx, "save workflow", "run_id", runID, "err", err)
			return false
		}
		e.emit(ctx, runID, events.TypeWorkflowWaitingForApproval, map[string]any{
			"step":   string(step),
			"reason": res.Reason,
		})
		return false

	default:
		e.fail(ctx, ws, step, fault.Newf(fault.KindServerError, "unknown result kind %d", res.Kind))
		return false
	}
}

// arrived reports whether an event of one of the given types was appended
// after seq.
func (e *Engine) arrived(ctx context.Context, runID string, seq int64, types []events.Type) bool {
	history, err := e.log.History(ctx, runID)
	if err != nil {
		e.logger.Error(ctx, "read history", "run_id", runID, "err", err)
		return false
	}
	for _, ev := range history {
		if ev.Seq <= seq {
			continue
		}
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
	}
	return false
}

// retryOrFail schedules a retry when the step's policy allows another
// attempt and fails the run otherwise.
func (e *Engine) retryOrFail(ctx context.Context, ws *workflow.State, step workflow.Step, cause error) {
	pol := e.policies.For(step)
	attempts := ws.Attempts[step]
	if !pol.Allows(attempts) {
		e.fail(ctx, ws, step, cause)
		return
	}
	delay := pol.Backoff(attempts)
	ws.Status = workflow.StatusRetrying
	ws.RetryAt = time.Now().UTC().Add(delay)
	if cause != nil {
		ws.LastError = cause.Error()
	}
	ws.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, ws); err != nil {
		e.logger.Error(ctx, "save workflow", "run_id", ws.RunID, "err", err)
		return
	}
	e.emit(ctx, ws.RunID, events.TypeWorkflowRetrying, map[string]any{
		"step":            string(step),
		"attempt":         attempts,
		"backoff_seconds": delay.Seconds(),
		"error":           ws.LastError,
	})
	e.metrics.IncCounter("engine_step_retries", 1, "step", string(step))
	e.scheduleRetry(ws.RunID, delay)
}

// fail ends the run. The terminal run event is appended last so subscribers
// see the full workflow record before their stream closes.
func (e *Engine) fail(ctx context.Context, ws *workflow.State, step workflow.Step, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e.emit(ctx, ws.RunID, events.TypeWorkflowStepCompleted, map[string]any{
		"step":  string(step),
		"error": msg,
	})
	e.emit(ctx, ws.RunID, events.TypeErrorRaised, map[string]any{
		"step":  string(step),
		"kind":  string(fault.KindOf(cause)),
		"error": msg,
	})
	ws.Status = workflow.StatusFailed
	ws.LastError = msg
	e.finishWith(ctx, ws, cause)
}

// finish records the workflow's terminal state after finalize ended the run
// normally.
func (e *Engine) finish(ctx context.Context, ws *workflow.State) {
	e.finishWith(ctx, ws, nil)
}

func (e *Engine) finishWith(ctx context.Context, ws *workflow.State, cause error) {
	ws.PendingEventTypes = nil
	ws.WaitingReason = ""
	ws.RetryAt = time.Time{}
	ws.UpdatedAt = time.Now().UTC()
	if err := e.store.Save(ctx, ws); err != nil {
		e.logger.Error(ctx, "save workflow", "run_id", ws.RunID, "err", err)
	}
	e.stopTimer(ws.RunID)

	if ws.Status == workflow.StatusCompleted {
		e.emit(ctx, ws.RunID, events.TypeWorkflowCompleted, nil)
		e.metrics.IncCounter("engine_runs_completed", 1)
	} else {
		e.emit(ctx, ws.RunID, events.TypeWorkflowFailed, map[string]any{"error": ws.LastError})
		e.metrics.IncCounter("engine_runs_failed", 1)
	}

	// A run failed by the engine has no terminal run event yet; finalize
	// appends its own before returning, cancellations append theirs on the
	// cancel path.
	if cause != nil {
		data := map[string]any{
			"outcome": state.OutcomeFailed,
			"kind":    string(fault.KindOf(cause)),
			"reason":  cause.Error(),
		}
		if fault.KindOf(cause) == fault.KindRefusal {
			data["outcome"] = state.OutcomeRefusal
			data["verification_reason"] = cause.Error()
		}
		e.emit(ctx, ws.RunID, events.TypeRunFailed, data)
	}
	e.logger.Info(ctx, "run finished", "run_id", ws.RunID, "status", string(ws.Status))
}

// emit appends a workflow progress event. Append failures are logged, not
// fatal: progress events are advisory, the durable state lives in the store.
func (e *Engine) emit(ctx context.Context, runID string, typ events.Type, data map[string]any) {
	if _, err := e.log.Append(ctx, runID, typ, data); err != nil {
		e.logger.Error(ctx, "append "+string(typ), "run_id", runID, "err", err)
	}
}

func (e *Engine) scheduleRetry(runID string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[runID]; ok {
		t.Stop()
	}
	e.timers[runID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, runID)
		e.mu.Unlock()
		e.Enqueue(runID)
	})
}

func (e *Engine) stopTimer(runID string) {
	e.mu.Lock()
	if t, ok := e.timers[runID]; ok {
		t.Stop()
		delete(e.timers, runID)
	}
	e.mu.Unlock()
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[runID] = lock
	}
	return lock
}

func (e *Engine) setCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(runID string) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
}

func (e *Engine) cancelRun(runID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}
