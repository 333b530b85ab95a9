package activity

import (
	"context"

	"goa.design/runloop/events"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// finalize closes the run. It owns the terminal run event: exactly one of
// run.completed or run.failed, chosen from the verification verdict with a
// human approval counting as passed. It also marks the workflow terminal so
// the engine records the matching workflow event without emitting a second
// run terminator.
type finalize struct {
	deps Deps
}

func (a *finalize) Step() workflow.Step { return workflow.StepFinalize }

func (a *finalize) Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result {
	if err := a.deps.emitNodeStarted(ctx, rs, "finalize", "finalizing"); err != nil {
		return workflow.Transient(err)
	}

	verdict, verified := lastDecision(rs, "verify")
	passed := !verified || verdict.Decision == "passed"
	reason := verdict.Reason
	if approval, ok := lastDecision(rs, "maybe_approve"); ok && approval.Decision == workflow.DecisionApproved {
		passed = true
		reason = approval.Reason
	}

	if err := a.deps.emitNodeCompleted(ctx, rs, "finalize"); err != nil {
		return workflow.Transient(err)
	}

	// The terminal run event goes last: subscribers close after seeing it.
	if passed {
		if err := a.deps.emit(ctx, rs, events.TypeRunCompleted, map[string]any{
			"outcome":             state.OutcomeSuccess,
			"verification_reason": reason,
		}); err != nil {
			return workflow.Transient(err)
		}
		ws.Status = workflow.StatusCompleted
	} else {
		if err := a.deps.emit(ctx, rs, events.TypeRunFailed, map[string]any{
			"outcome":             state.OutcomeFailed,
			"reason":              "verification_failed",
			"verification_reason": reason,
		}); err != nil {
			return workflow.Transient(err)
		}
		ws.Status = workflow.StatusFailed
		ws.LastError = "verification_failed: " + reason
	}
	return workflow.Ok(workflow.StepNone)
}
