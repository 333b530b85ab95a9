package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/runloop/events"
	"goa.design/runloop/events/eventlog"
	"goa.design/runloop/fault"
	"goa.design/runloop/limits"
	"goa.design/runloop/state"
	"goa.design/runloop/state/statefs"
	"goa.design/runloop/workflow"
	"goa.design/runloop/workflow/workflowfs"
)

type fakeScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (s *fakeScheduler) Enqueue(runID string) {
	s.mu.Lock()
	s.ids = append(s.ids, runID)
	s.mu.Unlock()
}

func (s *fakeScheduler) enqueued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type fixture struct {
	coord     *Coordinator
	log       *eventlog.Log
	states    *state.Projector
	store     workflow.Store
	scheduler *fakeScheduler
	limiter   *limits.Limiter
	budget    *limits.Budget
}

func newFixture(t *testing.T, global, perTenant int) *fixture {
	t.Helper()
	log, err := eventlog.New(t.TempDir())
	require.NoError(t, err)
	stateStore, err := statefs.New(t.TempDir())
	require.NoError(t, err)
	wfStore, err := workflowfs.New(t.TempDir())
	require.NoError(t, err)
	projector := state.NewProjector(stateStore, log, nil)
	log.Register(projector)

	scheduler := &fakeScheduler{}
	limiter := limits.NewLimiter(global, perTenant)
	budget := limits.NewBudget()
	coord := New(log, projector, wfStore, scheduler, limiter, budget)
	log.Register(coord)
	return &fixture{
		coord:     coord,
		log:       log,
		states:    projector,
		store:     wfStore,
		scheduler: scheduler,
		limiter:   limiter,
		budget:    budget,
	}
}

func startReq(runID string) StartRequest {
	return StartRequest{
		RunID:    runID,
		Message:  "what is 2+2?",
		Mode:     "chat",
		Identity: events.Identity{TenantID: "tenant-1", UserID: "user-1"},
	}
}

func TestStartRunAdmits(t *testing.T) {
	f := newFixture(t, 4, 2)
	ctx := context.Background()

	runID, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)
	require.Equal(t, []string{"run-1"}, f.scheduler.enqueued())
	require.Equal(t, 1, f.limiter.Active())

	ws, err := f.store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, workflow.StepReceive, ws.CurrentStep)
	require.Equal(t, workflow.StatusRunning, ws.Status)

	rs, err := f.states.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "what is 2+2?", rs.Message)
	require.Equal(t, "tenant-1", rs.Identity.TenantID)
	require.InDelta(t, DefaultBudgetUSD, rs.CostLimitUSD, 1e-9)

	history, err := f.log.History(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, events.TypeRunStarted, history[0].Type)
	require.Equal(t, events.TypeWorkflowStarted, history[1].Type)
}

func TestStartRunAssignsID(t *testing.T) {
	f := newFixture(t, 4, 2)
	runID, err := f.coord.StartRun(context.Background(), StartRequest{Message: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
}

func TestStartRunRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, 4, 2)
	_, err := f.coord.StartRun(context.Background(), StartRequest{})
	require.Error(t, err)
	require.Equal(t, fault.KindBadPlan, fault.KindOf(err))
}

func TestStartRunIdempotent(t *testing.T) {
	f := newFixture(t, 4, 2)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	runID, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)

	history, err := f.log.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 2, "retried start appends nothing")
	require.Equal(t, 1, f.limiter.Active())
}

func TestStartRunEnforcesTenantConcurrency(t *testing.T) {
	f := newFixture(t, 10, 1)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	_, err = f.coord.StartRun(ctx, startReq("run-2"))
	require.Error(t, err)
	require.Equal(t, fault.KindRateLimited, fault.KindOf(err))

	// The refusal is on the record with the cap that caused it.
	history, err := f.log.History(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, events.TypeRateLimitExceeded, history[0].Type)
	require.Equal(t, limits.ScopeTenant, history[0].Data["scope"])
	require.NotEmpty(t, history[0].Data["reason"])

	// Another tenant still gets in.
	req := startReq("run-3")
	req.Identity.TenantID = "tenant-2"
	_, err = f.coord.StartRun(ctx, req)
	require.NoError(t, err)
}

func TestStartRunEnforcesGlobalConcurrency(t *testing.T) {
	f := newFixture(t, 1, 0)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	req := startReq("run-2")
	req.Identity.TenantID = "tenant-2"
	_, err = f.coord.StartRun(ctx, req)
	require.Equal(t, fault.KindRateLimited, fault.KindOf(err))

	history, err := f.log.History(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, events.TypeRateLimitExceeded, history[0].Type)
	require.Equal(t, limits.ScopeGlobal, history[0].Data["scope"])
}

func TestTerminalEventReleasesResources(t *testing.T) {
	f := newFixture(t, 10, 1)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	f.budget.Register("run-1", 1)
	_, err = f.budget.Spend("run-1", 0.5)
	require.NoError(t, err)

	_, err = f.log.Append(ctx, "run-1", events.TypeRunCompleted, map[string]any{"outcome": state.OutcomeSuccess})
	require.NoError(t, err)

	require.Zero(t, f.limiter.Active())
	require.Zero(t, f.budget.Spent("run-1"))

	// The freed slot admits the tenant's next run.
	_, err = f.coord.StartRun(ctx, startReq("run-2"))
	require.NoError(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 4, 2)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	require.NoError(t, f.coord.Cancel(ctx, "run-1"))

	history, err := f.log.History(ctx, "run-1")
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, events.TypeRunFailed, last.Type)
	require.Equal(t, "cancelled", last.Data["reason"])

	require.ErrorIs(t, f.coord.Cancel(ctx, "run-1"), ErrRunFinished)
	require.ErrorIs(t, f.coord.Cancel(ctx, "missing"), workflow.ErrNotFound)
}

func TestResumeIncomplete(t *testing.T) {
	f := newFixture(t, 4, 2)
	ctx := context.Background()

	req := startReq("run-1")
	req.BudgetUSD = 2
	_, err := f.coord.StartRun(ctx, req)
	require.NoError(t, err)
	_, err = f.log.Append(ctx, "run-1", events.TypeCostAggregated, map[string]any{"usd": 0.25, "total_usd": 0.25})
	require.NoError(t, err)

	// A fresh coordinator over the same stores stands in for a restarted
	// process.
	scheduler := &fakeScheduler{}
	limiter := limits.NewLimiter(4, 2)
	budget := limits.NewBudget()
	restarted := New(f.log, f.states, f.store, scheduler, limiter, budget)

	require.NoError(t, restarted.ResumeIncomplete(ctx))
	require.Equal(t, []string{"run-1"}, scheduler.enqueued())
	require.Equal(t, 1, limiter.Active())
	require.InDelta(t, 0.25, budget.Spent("run-1"), 1e-9)
}

func TestResumeSkipsCompletedRuns(t *testing.T) {
	f := newFixture(t, 4, 2)
	ctx := context.Background()

	_, err := f.coord.StartRun(ctx, startReq("run-1"))
	require.NoError(t, err)
	ws, err := f.store.Load(ctx, "run-1")
	require.NoError(t, err)
	ws.Status = workflow.StatusCompleted
	require.NoError(t, f.store.Save(ctx, ws))

	scheduler := &fakeScheduler{}
	restarted := New(f.log, f.states, f.store, scheduler, limits.NewLimiter(4, 2), limits.NewBudget())
	require.NoError(t, restarted.ResumeIncomplete(ctx))
	require.Empty(t, scheduler.enqueued())
}
