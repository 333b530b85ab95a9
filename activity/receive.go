package activity

import (
	"context"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// receive validates the incoming message and screens it through the input
// guardrail before any planning happens.
type receive struct {
	deps Deps
}

func (a *receive) Step() workflow.Step { return workflow.StepReceive }

func (a *receive) Execute(ctx context.Context, rs *state.RunState, _ *workflow.State) workflow.Result {
	if rs.Message == "" {
		return workflow.Fatal(fault.New(fault.KindBadPlan, "run has no message"))
	}
	if err := a.deps.emitNodeStarted(ctx, rs, "receive", "received"); err != nil {
		return workflow.Transient(err)
	}
	if a.deps.Guardrail != nil {
		if v, hit := a.deps.Guardrail.Check(ctx, "input", rs.Message); hit {
			if err := a.deps.emit(ctx, rs, events.TypeGuardrailTriggered, map[string]any{
				"layer":       "input",
				"threat_type": v.ThreatType,
				"confidence":  v.Confidence,
				"action":      v.Action,
				"reason":      v.Reason,
			}); err != nil {
				return workflow.Transient(err)
			}
			if v.Action == "block" {
				return workflow.Fatal(fault.Newf(fault.KindRefusal, "input blocked by guardrail: %s", v.Reason))
			}
		}
	}
	if err := a.deps.emitNodeCompleted(ctx, rs, "receive"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepReceive))
}
