package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runloop/activity"
	"goa.design/runloop/events"
	"goa.design/runloop/events/eventlog"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/state/statefs"
	"goa.design/runloop/tools"
	"goa.design/runloop/tools/builtin"
	"goa.design/runloop/tools/executor"
	"goa.design/runloop/workflow"
	"goa.design/runloop/workflow/workflowfs"
)

type (
	scriptedPlanner struct {
		failures int
		dec      activity.PlanDecision
	}

	staticRetriever struct {
		chunks []state.Chunk
	}

	echoModel struct {
		text string
	}
)

func (p *scriptedPlanner) Plan(context.Context, *state.RunState, []tools.Descriptor) (activity.PlanDecision, error) {
	if p.failures > 0 {
		p.failures--
		return activity.PlanDecision{}, fault.New(fault.KindTimeout, "planner timeout")
	}
	return p.dec, nil
}

func (r *staticRetriever) Retrieve(context.Context, string, string, int) ([]state.Chunk, error) {
	return r.chunks, nil
}

func (r *staticRetriever) CorpusVersion() string { return "v1" }

func (m *echoModel) Stream(_ context.Context, _ activity.ModelRequest, emit func(string) error) (activity.Usage, error) {
	if err := emit(m.text); err != nil {
		return activity.Usage{}, err
	}
	return activity.Usage{CostUSD: 0.001}, nil
}

// harness wires a full single-process stack around the engine.
type harness struct {
	log     *eventlog.Log
	states  *state.Projector
	wfStore workflow.Store
	engine  *Engine
	cancel  context.CancelFunc
}

func fastPolicies() workflow.Policies {
	pols := workflow.DefaultPolicies()
	for step, pol := range pols {
		pol.Base = time.Millisecond
		pols[step] = pol
	}
	return pols
}

func newHarness(t *testing.T, deps activity.Deps) *harness {
	t.Helper()
	log, err := eventlog.New(t.TempDir())
	require.NoError(t, err)
	stateStore, err := statefs.New(t.TempDir())
	require.NoError(t, err)
	wfStore, err := workflowfs.New(t.TempDir())
	require.NoError(t, err)
	projector := state.NewProjector(stateStore, log, nil)

	deps.Log = log
	deps.Policies = fastPolicies()
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
		require.NoError(t, deps.Registry.RegisterServer(builtin.NewCalculator()))
	}
	if deps.Gate == nil {
		deps.Gate = tools.NewGate("development")
	}
	if deps.Planner == nil {
		deps.Planner = &scriptedPlanner{dec: activity.PlanDecision{PlanType: activity.PlanDirectAnswer}}
	}
	if deps.Model == nil {
		deps.Model = &echoModel{text: "the answer is four"}
	}

	eng := New(activity.NewSet(deps), wfStore, projector, log,
		WithWorkers(2), WithPolicies(fastPolicies()))
	exec := executor.New(log, deps.Registry, deps.Gate,
		executor.WithDeduper(executor.NewMemoryDeduper()))

	log.Register(projector)
	log.Register(eng)
	log.Register(exec)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() {
		cancel()
		eng.Stop()
		require.NoError(t, eng.Wait())
	})
	return &harness{log: log, states: projector, wfStore: wfStore, engine: eng, cancel: cancel}
}

// startRun performs the admission writes and enqueues the run.
func (h *harness) startRun(t *testing.T, runID, message, mode string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.wfStore.Save(ctx, workflow.NewState(runID)))
	_, err := h.log.Append(ctx, runID, events.TypeRunStarted, map[string]any{
		"message":   message,
		"mode":      mode,
		"tenant_id": "tenant-1",
		"user_id":   "user-1",
	})
	require.NoError(t, err)
	_, err = h.log.Append(ctx, runID, events.TypeWorkflowStarted, nil)
	require.NoError(t, err)
	h.engine.Enqueue(runID)
}

func (h *harness) waitForStatus(t *testing.T, runID string, want workflow.Status) *workflow.State {
	t.Helper()
	var ws *workflow.State
	require.Eventually(t, func() bool {
		var err error
		ws, err = h.wfStore.Load(context.Background(), runID)
		return err == nil && ws.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached status %s", runID, want)
	return ws
}

func (h *harness) historyTypes(t *testing.T, runID string) []events.Type {
	t.Helper()
	history, err := h.log.History(context.Background(), runID)
	require.NoError(t, err)
	typs := make([]events.Type, len(history))
	for i, ev := range history {
		typs[i] = ev.Type
	}
	return typs
}

func countType(typs []events.Type, want events.Type) int {
	var n int
	for _, typ := range typs {
		if typ == want {
			n++
		}
	}
	return n
}

func TestEngineCompletesChatRun(t *testing.T) {
	h := newHarness(t, activity.Deps{})
	h.startRun(t, "run-1", "what is 2+2?", activity.ModeChat)

	h.waitForStatus(t, "run-1", workflow.StatusCompleted)

	rs, err := h.states.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, state.OutcomeSuccess, rs.Outcome)
	require.Equal(t, "the answer is four", rs.OutputText)

	typs := h.historyTypes(t, "run-1")
	require.Equal(t, 1, countType(typs, events.TypeRunCompleted))
	require.Zero(t, countType(typs, events.TypeRunFailed))
	require.Equal(t, 1, countType(typs, events.TypeWorkflowCompleted))
}

func TestEngineRunsToolAndResumes(t *testing.T) {
	deps := activity.Deps{
		Planner: &scriptedPlanner{dec: activity.PlanDecision{
			PlanType: activity.PlanDirectAnswer,
			Tool:     "calculator.add",
			ToolArgs: map[string]any{"a": 2.0, "b": 2.0},
		}},
	}
	h := newHarness(t, deps)
	h.startRun(t, "run-1", "add 2 and 2", activity.ModeChat)

	ws := h.waitForStatus(t, "run-1", workflow.StatusCompleted)
	require.Equal(t, 1, ws.Attempts[workflow.StepRespond],
		"waking on the tool result does not consume an attempt")

	typs := h.historyTypes(t, "run-1")
	require.Equal(t, 1, countType(typs, events.TypeToolRequested))
	require.Equal(t, 1, countType(typs, events.TypeToolCompleted))
	require.Equal(t, 1, countType(typs, events.TypeRunCompleted))

	rs, err := h.states.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, rs.ToolResults, 1)
	require.Equal(t, "completed", rs.ToolResults[0].Status)
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	deps := activity.Deps{
		Planner: &scriptedPlanner{
			failures: 1,
			dec:      activity.PlanDecision{PlanType: activity.PlanDirectAnswer},
		},
	}
	h := newHarness(t, deps)
	h.startRun(t, "run-1", "flaky planner", activity.ModeChat)

	ws := h.waitForStatus(t, "run-1", workflow.StatusCompleted)
	require.Equal(t, 2, ws.Attempts[workflow.StepPlan])

	history, err := h.log.History(context.Background(), "run-1")
	require.NoError(t, err)
	var retrying []events.Event
	for _, ev := range history {
		if ev.Type == events.TypeWorkflowRetrying {
			retrying = append(retrying, ev)
		}
	}
	require.Len(t, retrying, 1)
	require.Greater(t, retrying[0].Data["backoff_seconds"].(float64), 0.0)
}

func TestEngineFailsRunAfterRetriesExhausted(t *testing.T) {
	deps := activity.Deps{
		Planner: &scriptedPlanner{
			failures: 5,
			dec:      activity.PlanDecision{PlanType: activity.PlanDirectAnswer},
		},
	}
	h := newHarness(t, deps)
	h.startRun(t, "run-1", "planner down", activity.ModeChat)

	h.waitForStatus(t, "run-1", workflow.StatusFailed)

	typs := h.historyTypes(t, "run-1")
	require.Equal(t, 1, countType(typs, events.TypeRunFailed))
	require.Zero(t, countType(typs, events.TypeRunCompleted))
	require.Equal(t, 1, countType(typs, events.TypeWorkflowFailed))

	rs, err := h.states.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, state.OutcomeFailed, rs.Outcome)
}

func approvalDeps() activity.Deps {
	return activity.Deps{
		Retriever: &staticRetriever{chunks: []state.Chunk{{ID: "c1", Text: "evidence"}}},
		// The model never cites c1, so verification fails and the run
		// escalates to a human.
		Model: &echoModel{text: "uncited claim"},
	}
}

func TestEngineApprovalApproved(t *testing.T) {
	h := newHarness(t, approvalDeps())
	h.startRun(t, "run-1", "needs review", activity.ModeResearch)

	h.waitForStatus(t, "run-1", workflow.StatusWaitingForApproval)
	require.NoError(t, h.engine.RecordApproval(context.Background(), "run-1", workflow.DecisionApproved))

	ws := h.waitForStatus(t, "run-1", workflow.StatusCompleted)
	require.Equal(t, 1, ws.Attempts[workflow.StepMaybeApprove],
		"the approval wake continues the pending attempt")
	rs, err := h.states.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, state.OutcomeSuccess, rs.Outcome)
	require.Equal(t, "human_override", rs.VerificationReason)
}

func TestEngineApprovalRejected(t *testing.T) {
	h := newHarness(t, approvalDeps())
	h.startRun(t, "run-1", "needs review", activity.ModeResearch)

	h.waitForStatus(t, "run-1", workflow.StatusWaitingForApproval)
	require.NoError(t, h.engine.RecordApproval(context.Background(), "run-1", workflow.DecisionRejected))

	h.waitForStatus(t, "run-1", workflow.StatusFailed)
	rs, err := h.states.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, state.OutcomeRefusal, rs.Outcome)
	require.NotEmpty(t, rs.VerificationReason, "refusals explain themselves")
}

func TestRecordApprovalValidation(t *testing.T) {
	h := newHarness(t, approvalDeps())
	h.startRun(t, "run-1", "needs review", activity.ModeResearch)
	h.waitForStatus(t, "run-1", workflow.StatusWaitingForApproval)

	require.Error(t, h.engine.RecordApproval(context.Background(), "run-1", "maybe"))
	require.ErrorIs(t, h.engine.RecordApproval(context.Background(), "missing", workflow.DecisionApproved), workflow.ErrNotFound)

	require.NoError(t, h.engine.RecordApproval(context.Background(), "run-1", workflow.DecisionApproved))
	h.waitForStatus(t, "run-1", workflow.StatusCompleted)
	require.ErrorIs(t, h.engine.RecordApproval(context.Background(), "run-1", workflow.DecisionApproved), ErrRunFinished)
}

func TestEngineCancellationWhileWaiting(t *testing.T) {
	h := newHarness(t, approvalDeps())
	h.startRun(t, "run-1", "needs review", activity.ModeResearch)
	h.waitForStatus(t, "run-1", workflow.StatusWaitingForApproval)

	// An external cancellation appends the terminal event directly.
	_, err := h.log.Append(context.Background(), "run-1", events.TypeRunFailed, map[string]any{
		"reason": "cancelled", "outcome": state.OutcomeFailed,
	})
	require.NoError(t, err)

	ws := h.waitForStatus(t, "run-1", workflow.StatusFailed)
	require.Equal(t, "cancelled", ws.LastError)
	require.ErrorIs(t, h.engine.RecordApproval(context.Background(), "run-1", workflow.DecisionApproved), ErrRunFinished)
}

func TestEngineResumesAfterRestart(t *testing.T) {
	deps := activity.Deps{
		Planner: &scriptedPlanner{dec: activity.PlanDecision{PlanType: activity.PlanDirectAnswer}},
	}
	h := newHarness(t, deps)

	// Simulate a process that crashed mid-run: durable state says the run
	// is at respond with one attempt spent, and the event history covers
	// the steps already executed.
	ctx := context.Background()
	ws := workflow.NewState("run-1")
	ws.CurrentStep = workflow.StepRespond
	ws.Attempts[workflow.StepReceive] = 1
	ws.Attempts[workflow.StepPlan] = 1
	ws.Attempts[workflow.StepRespond] = 1
	require.NoError(t, h.wfStore.Save(ctx, ws))
	_, err := h.log.Append(ctx, "run-1", events.TypeRunStarted, map[string]any{
		"message": "resume me", "mode": activity.ModeChat, "tenant_id": "tenant-1",
	})
	require.NoError(t, err)

	h.engine.Enqueue("run-1")
	got := h.waitForStatus(t, "run-1", workflow.StatusCompleted)
	require.Equal(t, 2, got.Attempts[workflow.StepRespond], "resumed invocation counts as a new attempt")
	require.Equal(t, 1, got.Attempts[workflow.StepPlan], "earlier steps are not re-executed")
}

func TestEngineEnqueueCoalesces(t *testing.T) {
	store, err := workflowfs.New(t.TempDir())
	require.NoError(t, err)
	eng := New(nil, store, nil, nil)
	eng.Enqueue("run-1")
	eng.Enqueue("run-1")
	eng.Enqueue("run-2")

	id, ok := eng.next()
	require.True(t, ok)
	require.Equal(t, "run-1", id)
	id, ok = eng.next()
	require.True(t, ok)
	require.Equal(t, "run-2", id)
	_, ok = eng.next()
	require.False(t, ok)
}
