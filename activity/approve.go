package activity

import (
	"context"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// maybeApprove escalates runs whose answer failed verification to a human.
// An approval overrides the failed verdict; a rejection refuses the run.
type maybeApprove struct {
	deps Deps
}

func (a *maybeApprove) Step() workflow.Step { return workflow.StepMaybeApprove }

func (a *maybeApprove) Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result {
	next := workflow.Next(workflow.StepMaybeApprove)
	verdict, ok := lastDecision(rs, "verify")
	if !ok || verdict.Decision != "failed" {
		return workflow.Ok(next)
	}
	if rs.Mode != ModeResearch && planType(rs) != PlanDirectAnswer {
		return workflow.Ok(next)
	}

	switch ws.HumanDecision {
	case "":
		if err := a.deps.emitNodeStarted(ctx, rs, "maybe_approve", "awaiting_approval"); err != nil {
			return workflow.Transient(err)
		}
		return workflow.WaitForApproval(verdict.Reason)

	case workflow.DecisionApproved:
		if err := a.deps.emit(ctx, rs, events.TypeDecisionMade, map[string]any{
			"node":     "maybe_approve",
			"decision": workflow.DecisionApproved,
			"reason":   "human_override",
		}); err != nil {
			return workflow.Transient(err)
		}
		if err := a.deps.emitNodeCompleted(ctx, rs, "maybe_approve"); err != nil {
			return workflow.Transient(err)
		}
		return workflow.Ok(next)

	case workflow.DecisionRejected:
		if err := a.deps.emit(ctx, rs, events.TypeDecisionMade, map[string]any{
			"node":     "maybe_approve",
			"decision": workflow.DecisionRejected,
			"reason":   verdict.Reason,
		}); err != nil {
			return workflow.Transient(err)
		}
		return workflow.Fatal(fault.New(fault.KindRefusal, "rejected_by_user"))

	default:
		return workflow.Fatal(fault.Newf(fault.KindBadPlan, "unknown human decision %q", ws.HumanDecision))
	}
}
