// Package activity implements the workflow step adapters. Each adapter reads
// the fresh run state projection, talks to its collaborators (planner,
// retriever, model streamer, guardrail, tool registry), records everything it
// learns as events, and returns one of the closed workflow result variants.
// Adapters never mutate the projection directly: all run state flows through
// the event log.
package activity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"goa.design/runloop/events"
	"goa.design/runloop/limits"
	"goa.design/runloop/state"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/tools"
	"goa.design/runloop/workflow"
)

// Run modes.
const (
	ModeChat     = "chat"
	ModeResearch = "research"
)

// Plan types produced by planners.
const (
	PlanDirectAnswer       = "direct_answer"
	PlanNeedsClarification = "needs_clarification"
	PlanCannotAnswer       = "cannot_answer"
)

type (
	// Activity executes one workflow step.
	Activity interface {
		// Step names the workflow step this activity serves.
		Step() workflow.Step
		// Execute runs the step against the current projection and
		// workflow state and returns the outcome.
		Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result
	}

	// PlanDecision is a planner's answer for a run.
	PlanDecision struct {
		// PlanType is one of the Plan constants.
		PlanType string
		// Reason explains the decision.
		Reason string
		// Tool optionally names a tool the plan wants invoked.
		Tool string
		// ToolArgs are the arguments for Tool.
		ToolArgs map[string]any
	}

	// Planner decides how to answer a run. Allowed lists the tools the run
	// may use.
	Planner interface {
		Plan(ctx context.Context, rs *state.RunState, allowed []tools.Descriptor) (PlanDecision, error)
	}

	// Retriever fetches evidence chunks for a query.
	Retriever interface {
		Retrieve(ctx context.Context, tenantID, query string, topK int) ([]state.Chunk, error)
		// CorpusVersion keys the retrieval cache; a new version invalidates
		// prior entries.
		CorpusVersion() string
	}

	// Usage reports model consumption for one streamed response.
	Usage struct {
		InputTokens  int
		OutputTokens int
		CostUSD      float64
	}

	// ModelRequest carries everything a model needs to draft a response.
	ModelRequest struct {
		Message     string
		Mode        string
		PlanType    string
		Chunks      []state.Chunk
		ToolResults []state.ToolResult
	}

	// ModelStreamer streams a model response chunk by chunk through emit and
	// returns the usage once the stream ends.
	ModelStreamer interface {
		Stream(ctx context.Context, req ModelRequest, emit func(text string) error) (Usage, error)
	}

	// Violation describes a guardrail hit.
	Violation struct {
		// ThreatType classifies the hit: prompt_injection,
		// policy_violation, tool_abuse, or unexpected_output_shape.
		ThreatType string
		Reason     string
		Confidence float64
		Action     string // "block" or "flag"
	}

	// Guardrail inspects text at a pipeline layer ("input" or "output").
	// The boolean reports whether a violation was found.
	Guardrail interface {
		Check(ctx context.Context, layer, text string) (Violation, bool)
	}

	// Deps bundles the collaborators shared by all activities. Retriever,
	// Guardrail, Budget, and RetrievalCache are optional.
	Deps struct {
		Log            events.Log
		Planner        Planner
		Retriever      Retriever
		Model          ModelStreamer
		Guardrail      Guardrail
		Registry       *tools.Registry
		Gate           *tools.Gate
		Budget         *limits.Budget
		RetrievalCache *tools.Cache
		TopK           int
		Policies       workflow.Policies
		Logger         telemetry.Logger
	}
)

// NewSet returns all step activities wired to deps, keyed by step.
func NewSet(deps Deps) map[workflow.Step]Activity {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	if deps.Policies == nil {
		deps.Policies = workflow.DefaultPolicies()
	}
	set := []Activity{
		&receive{deps},
		&plan{deps},
		&retrieve{deps},
		&respond{deps},
		&verify{deps},
		&maybeApprove{deps},
		&finalize{deps},
	}
	byStep := make(map[workflow.Step]Activity, len(set))
	for _, a := range set {
		byStep[a.Step()] = a
	}
	return byStep
}

// emit appends an event for the run with the identity stamped in. Append
// failures surface as errors so callers can fail the step instead of
// continuing on a log that is not accepting writes.
func (d Deps) emit(ctx context.Context, rs *state.RunState, typ events.Type, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	events.Stamp(data, rs.Identity)
	if _, err := d.Log.Append(ctx, rs.RunID, typ, data); err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	return nil
}

func (d Deps) emitNodeStarted(ctx context.Context, rs *state.RunState, node, status string) error {
	if err := d.emit(ctx, rs, events.TypeNodeStarted, map[string]any{"node": node}); err != nil {
		return err
	}
	return d.emit(ctx, rs, events.TypeStatusChanged, map[string]any{"status": status})
}

func (d Deps) emitNodeCompleted(ctx context.Context, rs *state.RunState, node string) error {
	return d.emit(ctx, rs, events.TypeNodeCompleted, map[string]any{"node": node})
}

// outputChunkSize bounds the text carried by one output.chunk event.
const outputChunkSize = 64

// emitOutput streams text as output.chunk events. Chunks break on rune
// boundaries so a multi-byte character is never split across events.
func (d Deps) emitOutput(ctx context.Context, rs *state.RunState, text string) error {
	for len(text) > 0 {
		n := outputChunkSize
		if n >= len(text) {
			n = len(text)
		} else {
			for n > 0 && !utf8.RuneStart(text[n]) {
				n--
			}
			if n == 0 {
				n = outputChunkSize
			}
		}
		if err := d.emit(ctx, rs, events.TypeOutputChunk, map[string]any{"text": text[:n]}); err != nil {
			return err
		}
		text = text[n:]
	}
	return nil
}

// lastDecision returns the most recent decision recorded for a node.
func lastDecision(rs *state.RunState, node string) (state.Decision, bool) {
	for i := len(rs.Decisions) - 1; i >= 0; i-- {
		if rs.Decisions[i].Node == node {
			return rs.Decisions[i], true
		}
	}
	return state.Decision{}, false
}

// planType returns the plan decision for the run, or "" before planning.
func planType(rs *state.RunState) string {
	dec, ok := lastDecision(rs, "plan")
	if !ok {
		return ""
	}
	return dec.Decision
}

// requestID derives the deterministic tool request ID for a step attempt, so
// a crash-replayed attempt re-issues the same ID and the executor's dedupe
// suppresses the duplicate.
func requestID(runID string, step workflow.Step, attempt int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("req|%s|%s|%d", runID, step, attempt)))
	return "req-" + hex.EncodeToString(h[:8])
}
