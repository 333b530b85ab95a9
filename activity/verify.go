package activity

import (
	"context"
	"regexp"

	"goa.design/runloop/events"
	"goa.design/runloop/state"
	"goa.design/runloop/workflow"
)

// citationRE matches inline citations of the form [chunk-id].
var citationRE = regexp.MustCompile(`\[([\w\-\.:]+)\]`)

// Verification failure reasons.
const (
	reasonMissingCitations = "missing_citations"
	reasonInvalidCitation  = "invalid_citation"
)

// verify checks the drafted answer against the retrieved evidence: every
// citation must name a retrieved chunk, and an answer drafted over evidence
// must cite at least one chunk. The verdict is recorded as a decision; the
// approval step decides what a failed verdict means for the run.
type verify struct {
	deps Deps
}

func (a *verify) Step() workflow.Step { return workflow.StepVerify }

func (a *verify) Execute(ctx context.Context, rs *state.RunState, _ *workflow.State) workflow.Result {
	if err := a.deps.emitNodeStarted(ctx, rs, "verify", "verifying"); err != nil {
		return workflow.Transient(err)
	}

	decision, reason := "passed", ""
	if len(rs.RetrievedChunks) > 0 {
		known := make(map[string]bool, len(rs.RetrievedChunks))
		for _, chunk := range rs.RetrievedChunks {
			known[chunk.ID] = true
		}
		cited := citationRE.FindAllStringSubmatch(rs.OutputText, -1)
		if len(cited) == 0 {
			decision, reason = "failed", reasonMissingCitations
		}
		for _, m := range cited {
			if !known[m[1]] {
				decision, reason = "failed", reasonInvalidCitation
				break
			}
		}
	}

	if err := a.deps.emit(ctx, rs, events.TypeDecisionMade, map[string]any{
		"node":     "verify",
		"decision": decision,
		"reason":   reason,
	}); err != nil {
		return workflow.Transient(err)
	}
	if err := a.deps.emitNodeCompleted(ctx, rs, "verify"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepVerify))
}
