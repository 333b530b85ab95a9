package activity

import (
	"context"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// plan asks the planner how to answer the run, announces the tools the run
// may use, and records any tool the plan wants invoked. The tool request ID
// is derived from the run, step, and attempt so a replayed attempt never
// causes a second invocation.
type plan struct {
	deps Deps
}

func (a *plan) Step() workflow.Step { return workflow.StepPlan }

func (a *plan) Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result {
	if err := a.deps.emitNodeStarted(ctx, rs, "plan", "planning"); err != nil {
		return workflow.Transient(err)
	}
	allowed := a.deps.Gate.Allowed(a.deps.Registry.List())
	for _, desc := range allowed {
		if err := a.deps.emit(ctx, rs, events.TypeToolDiscovered, map[string]any{
			"tool_name":        desc.Name,
			"description":      desc.Description,
			"permission_scope": desc.PermissionScope,
		}); err != nil {
			return workflow.Transient(err)
		}
	}

	dec, err := a.deps.Planner.Plan(ctx, rs, allowed)
	if err != nil {
		if fault.Retryable(fault.KindOf(err)) {
			return workflow.Transient(err)
		}
		return workflow.Fatal(fault.Wrap(fault.KindBadPlan, err))
	}
	switch dec.PlanType {
	case PlanDirectAnswer, PlanNeedsClarification, PlanCannotAnswer:
	default:
		return workflow.Fatal(fault.Newf(fault.KindBadPlan, "planner returned unknown plan type %q", dec.PlanType))
	}
	if err := a.deps.emit(ctx, rs, events.TypeDecisionMade, map[string]any{
		"node":     "plan",
		"decision": dec.PlanType,
		"reason":   dec.Reason,
	}); err != nil {
		return workflow.Transient(err)
	}

	if dec.Tool != "" {
		// The executor owns gating and validation; the plan only records
		// the request.
		if err := a.deps.emit(ctx, rs, events.TypeToolRequested, map[string]any{
			"request_id": requestID(rs.RunID, workflow.StepPlan, ws.Attempts[workflow.StepPlan]),
			"tool_name":  dec.Tool,
			"arguments":  dec.ToolArgs,
		}); err != nil {
			return workflow.Transient(err)
		}
	}
	if err := a.deps.emitNodeCompleted(ctx, rs, "plan"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepPlan))
}
