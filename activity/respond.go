package activity

import (
	"context"
	"fmt"
	"strings"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/limits"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// Static responses for plans that never reach the model.
const (
	clarificationText = "I need a bit more detail to answer that. Could you rephrase or narrow down your question?"
	cannotAnswerText  = "I am not able to answer that request."
)

// respond drafts the run's answer. Clarification and refusal plans use static
// text; direct answers wait for any in-flight tool request, stream the model
// response, and charge the spend against the run budget.
type respond struct {
	deps Deps
}

func (a *respond) Step() workflow.Step { return workflow.StepRespond }

func (a *respond) Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result {
	if err := a.deps.emitNodeStarted(ctx, rs, "respond", "responding"); err != nil {
		return workflow.Transient(err)
	}
	switch planType(rs) {
	case PlanNeedsClarification:
		return a.static(ctx, rs, clarificationText)
	case PlanCannotAnswer:
		return a.static(ctx, rs, cannotAnswerText)
	}

	// A requested tool has no terminal event yet: park until the executor
	// publishes one.
	if rs.LastToolStatus == "requested" {
		return workflow.WaitForEvents("tool result",
			events.TypeToolCompleted, events.TypeToolFailed, events.TypeToolDenied)
	}

	req := ModelRequest{
		Message:     rs.Message,
		Mode:        rs.Mode,
		PlanType:    planType(rs),
		Chunks:      rs.RetrievedChunks,
		ToolResults: rs.ToolResults,
	}

	var out strings.Builder
	usage, err := a.deps.Model.Stream(ctx, req, func(text string) error {
		out.WriteString(text)
		return a.deps.emit(ctx, rs, events.TypeOutputChunk, map[string]any{"text": text})
	})
	if err != nil {
		if fault.Retryable(fault.KindOf(err)) {
			return workflow.Transient(err)
		}
		return workflow.Fatal(fault.Wrap(fault.KindServerError, fmt.Errorf("model stream: %w", err)))
	}

	if a.deps.Budget != nil && usage.CostUSD > 0 {
		total, spendErr := a.deps.Budget.Spend(rs.RunID, usage.CostUSD)
		if err := a.deps.emit(ctx, rs, events.TypeCostAggregated, map[string]any{
			"usd":           usage.CostUSD,
			"total_usd":     total,
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
		}); err != nil {
			return workflow.Transient(err)
		}
		if spendErr != nil {
			if err := a.deps.emit(ctx, rs, events.TypeRateLimitExceeded, map[string]any{
				"scope":  limits.ScopeModelBudget,
				"reason": spendErr.Error(),
			}); err != nil {
				return workflow.Transient(err)
			}
			return workflow.Fatal(spendErr)
		}
	}

	if a.deps.Guardrail != nil {
		if v, hit := a.deps.Guardrail.Check(ctx, "output", out.String()); hit {
			if err := a.deps.emit(ctx, rs, events.TypeGuardrailTriggered, map[string]any{
				"layer":       "output",
				"threat_type": v.ThreatType,
				"confidence":  v.Confidence,
				"action":      v.Action,
				"reason":      v.Reason,
			}); err != nil {
				return workflow.Transient(err)
			}
			if v.Action == "block" {
				return workflow.Fatal(fault.Newf(fault.KindRefusal, "output blocked by guardrail: %s", v.Reason))
			}
		}
	}

	if err := a.deps.emitNodeCompleted(ctx, rs, "respond"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepRespond))
}

func (a *respond) static(ctx context.Context, rs *state.RunState, text string) workflow.Result {
	if err := a.deps.emitOutput(ctx, rs, text); err != nil {
		return workflow.Transient(err)
	}
	if err := a.deps.emitNodeCompleted(ctx, rs, "respond"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepRespond))
}
