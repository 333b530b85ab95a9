package activity

import (
	"context"
	"strings"

	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/tools"
	"goa.design/runloop/workflow"
)

// injectionMarkers flag evidence chunks that try to steer the model.
// Matching is case-insensitive substring search over the chunk text.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"reveal your system prompt",
	"you are now",
}

// retrieve fetches evidence for research runs that plan a direct answer.
// Retrieval is best-effort: when the retriever stays unavailable past the
// retry budget the run enters degraded mode and continues without evidence.
type retrieve struct {
	deps Deps
}

func (a *retrieve) Step() workflow.Step { return workflow.StepRetrieve }

func (a *retrieve) Execute(ctx context.Context, rs *state.RunState, ws *workflow.State) workflow.Result {
	next := workflow.Next(workflow.StepRetrieve)
	if a.deps.Retriever == nil || rs.Mode != ModeResearch || planType(rs) != PlanDirectAnswer {
		return workflow.Ok(next)
	}
	if err := a.deps.emitNodeStarted(ctx, rs, "retrieve", "retrieving"); err != nil {
		return workflow.Transient(err)
	}
	if err := a.deps.emit(ctx, rs, events.TypeRetrievalStarted, map[string]any{
		"query": rs.Message,
		"top_k": a.deps.TopK,
	}); err != nil {
		return workflow.Transient(err)
	}

	var cacheKey string
	if a.deps.RetrievalCache != nil {
		cacheKey = tools.RetrievalKey(rs.Identity.TenantID, a.deps.Retriever.CorpusVersion(), a.deps.TopK, rs.Message)
		if val, ok := a.deps.RetrievalCache.Get(cacheKey); ok {
			if chunks, ok := val["chunks"].([]state.Chunk); ok {
				if err := a.deps.emit(ctx, rs, events.TypeCacheHit, map[string]any{"kind": "retrieval"}); err != nil {
					return workflow.Transient(err)
				}
				return a.complete(ctx, rs, chunks, true)
			}
		}
		if err := a.deps.emit(ctx, rs, events.TypeCacheMiss, map[string]any{"kind": "retrieval"}); err != nil {
			return workflow.Transient(err)
		}
	}

	chunks, err := a.deps.Retriever.Retrieve(ctx, rs.Identity.TenantID, rs.Message, a.deps.TopK)
	if err != nil {
		pol := a.deps.Policies.For(workflow.StepRetrieve)
		if fault.Retryable(fault.KindOf(err)) && pol.Allows(ws.Attempts[workflow.StepRetrieve]) {
			return workflow.Transient(err)
		}
		// Out of retries: continue without evidence rather than failing
		// the whole run.
		if err := a.deps.emit(ctx, rs, events.TypeDegradedModeEntered, map[string]any{
			"reason": "retrieval_unavailable",
			"error":  err.Error(),
		}); err != nil {
			return workflow.Transient(err)
		}
		return a.complete(ctx, rs, nil, false)
	}

	clean, removed := a.sanitize(ctx, rs, chunks)
	if len(removed) > 0 {
		if err := a.deps.emit(ctx, rs, events.TypeContextSanitized, map[string]any{"chunk_ids": removed}); err != nil {
			return workflow.Transient(err)
		}
	}
	if cacheKey != "" {
		a.deps.RetrievalCache.Put(cacheKey, map[string]any{"chunks": clean})
	}
	return a.complete(ctx, rs, clean, false)
}

func (a *retrieve) complete(ctx context.Context, rs *state.RunState, chunks []state.Chunk, cached bool) workflow.Result {
	if chunks == nil {
		chunks = []state.Chunk{}
	}
	if err := a.deps.emit(ctx, rs, events.TypeRetrievalCompleted, map[string]any{
		"chunks": chunks,
		"count":  len(chunks),
		"cached": cached,
	}); err != nil {
		return workflow.Transient(err)
	}
	if err := a.deps.emitNodeCompleted(ctx, rs, "retrieve"); err != nil {
		return workflow.Transient(err)
	}
	return workflow.Ok(workflow.Next(workflow.StepRetrieve))
}

// sanitize drops chunks containing injection markers and reports the removed
// chunk IDs.
func (a *retrieve) sanitize(ctx context.Context, rs *state.RunState, chunks []state.Chunk) ([]state.Chunk, []string) {
	var (
		clean   []state.Chunk
		removed []string
	)
	for _, chunk := range chunks {
		if marker, hit := findInjection(chunk.Text); hit {
			if err := a.deps.emit(ctx, rs, events.TypeInjectionDetected, map[string]any{
				"chunk_id": chunk.ID,
				"marker":   marker,
			}); err != nil {
				a.deps.Logger.Error(ctx, "emit injection.detected", "run_id", rs.RunID, "err", err)
			}
			removed = append(removed, chunk.ID)
			continue
		}
		clean = append(clean, chunk)
	}
	return clean, removed
}

func findInjection(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}
