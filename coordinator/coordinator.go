// Package coordinator owns run admission and lifecycle: it validates and
// admits new runs under the concurrency limits, registers their budgets,
// resumes incomplete runs after a restart, and releases resources when runs
// finish.
package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/limits"
	"goa.design/runloop/state"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/workflow"
)

// ErrRunFinished reports an operation against a run that already finished.
var ErrRunFinished = errors.New("run already finished")

// DefaultBudgetUSD is the per-run model budget applied when a start request
// does not carry one.
const DefaultBudgetUSD = 1.0

type (
	// Scheduler is the engine surface the coordinator drives.
	Scheduler interface {
		Enqueue(runID string)
	}

	// StartRequest admits one run.
	StartRequest struct {
		// RunID is optional; a fresh ID is assigned when empty. Starting an
		// existing run is a no-op, so retried requests are safe.
		RunID     string
		Message   string
		Mode      string
		Context   map[string]any
		Identity  events.Identity
		BudgetUSD float64
	}

	// Coordinator admits, resumes, and cancels runs.
	Coordinator struct {
		log       events.Log
		states    *state.Projector
		store     workflow.Store
		scheduler Scheduler
		limiter   *limits.Limiter
		budget    *limits.Budget
		defBudget float64
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mu      sync.Mutex
		tenants map[string]string // runID -> tenant holding a limiter slot
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)
)

// WithDefaultBudget sets the budget applied to runs that do not carry one.
func WithDefaultBudget(usd float64) Option {
	return func(c *Coordinator) {
		if usd > 0 {
			c.defBudget = usd
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns a Coordinator.
func New(log events.Log, states *state.Projector, store workflow.Store, scheduler Scheduler, limiter *limits.Limiter, budget *limits.Budget, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       log,
		states:    states,
		store:     store,
		scheduler: scheduler,
		limiter:   limiter,
		budget:    budget,
		defBudget: DefaultBudgetUSD,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tenants:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRun admits a run: it acquires a concurrency slot, registers the
// budget, persists the initial workflow state, appends run.started, and
// schedules the run. It returns the run ID.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.Message == "" {
		return "", fault.New(fault.KindBadPlan, "message is required")
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if _, err := c.store.Load(ctx, runID); err == nil {
		return runID, nil
	} else if !errors.Is(err, workflow.ErrNotFound) {
		return "", err
	}

	mode := req.Mode
	if mode == "" {
		mode = "chat"
	}
	budgetUSD := req.BudgetUSD
	if budgetUSD <= 0 {
		budgetUSD = c.defBudget
	}

	if err := c.limiter.Acquire(req.Identity.TenantID); err != nil {
		c.metrics.IncCounter("runs_rejected", 1, "tenant", req.Identity.TenantID)
		scope := limits.ScopeGlobal
		var refusal *limits.Refusal
		if errors.As(err, &refusal) {
			scope = refusal.Scope
		}
		data := map[string]any{"scope": scope, "reason": err.Error()}
		events.Stamp(data, req.Identity)
		if _, appendErr := c.log.Append(ctx, runID, events.TypeRateLimitExceeded, data); appendErr != nil {
			c.logger.Warn(ctx, "append rate.limit.exceeded", "run_id", runID, "err", appendErr)
		}
		return "", err
	}
	c.track(runID, req.Identity.TenantID)
	c.budget.Register(runID, budgetUSD)

	if err := c.store.Save(ctx, workflow.NewState(runID)); err != nil {
		c.release(runID)
		c.budget.Forget(runID)
		return "", err
	}
	data := map[string]any{
		"message":    req.Message,
		"mode":       mode,
		"budget_usd": budgetUSD,
	}
	if len(req.Context) > 0 {
		data["context"] = req.Context
	}
	events.Stamp(data, req.Identity)
	if _, err := c.log.Append(ctx, runID, events.TypeRunStarted, data); err != nil {
		c.release(runID)
		c.budget.Forget(runID)
		return "", err
	}
	if _, err := c.log.Append(ctx, runID, events.TypeWorkflowStarted, nil); err != nil {
		c.logger.Warn(ctx, "append workflow.started", "run_id", runID, "err", err)
	}

	c.scheduler.Enqueue(runID)
	c.metrics.IncCounter("runs_started", 1, "mode", mode)
	c.logger.Info(ctx, "run started", "run_id", runID, "mode", mode, "tenant_id", req.Identity.TenantID)
	return runID, nil
}

// Cancel terminates a run from outside by appending its terminal event. The
// engine observes it, cancels in-flight work, and marks the workflow failed.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	ws, err := c.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if ws.Terminal() {
		return ErrRunFinished
	}
	_, err = c.log.Append(ctx, runID, events.TypeRunFailed, map[string]any{
		"outcome": state.OutcomeFailed,
		"kind":    string(fault.KindCancelled),
		"reason":  "cancelled",
	})
	return err
}

// ResumeIncomplete rebuilds the projection of every run the store reports as
// incomplete, restores its budget accounting, and schedules it. Called once
// at startup.
func (c *Coordinator) ResumeIncomplete(ctx context.Context) error {
	ids, err := c.store.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	for _, runID := range ids {
		rs, err := c.states.Rebuild(ctx, runID)
		if err != nil {
			c.logger.Error(ctx, "rebuild run state", "run_id", runID, "err", err)
			continue
		}
		if err := c.limiter.Acquire(rs.Identity.TenantID); err != nil {
			c.logger.Warn(ctx, "resume without slot", "run_id", runID, "err", err)
		} else {
			c.track(runID, rs.Identity.TenantID)
		}
		limit := rs.CostLimitUSD
		if limit <= 0 {
			limit = c.defBudget
		}
		c.budget.Register(runID, limit)
		if rs.CostSpentUSD > 0 {
			// Restore the recorded spend; crossing the limit here is handled
			// on the next spend.
			c.budget.Spend(runID, rs.CostSpentUSD) //nolint:errcheck
		}
		c.scheduler.Enqueue(runID)
		c.logger.Info(ctx, "run resumed after restart", "run_id", runID)
	}
	c.metrics.RecordGauge("runs_resumed", float64(len(ids)))
	return nil
}

// HandleEvent implements events.Handler: terminal run events release the
// run's concurrency slot and budget.
func (c *Coordinator) HandleEvent(_ context.Context, ev events.Event) error {
	if !events.IsTerminal(ev.Type) {
		return nil
	}
	c.release(ev.RunID)
	c.budget.Forget(ev.RunID)
	return nil
}

func (c *Coordinator) track(runID, tenantID string) {
	c.mu.Lock()
	c.tenants[runID] = tenantID
	c.mu.Unlock()
}

// release frees the limiter slot held for runID, once.
func (c *Coordinator) release(runID string) {
	c.mu.Lock()
	tenant, ok := c.tenants[runID]
	delete(c.tenants, runID)
	c.mu.Unlock()
	if ok {
		c.limiter.Release(tenant)
	}
}
