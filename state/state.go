// Package state holds the run state projection: a queryable snapshot of a
// run derived by folding its event history in sequence order. The projector
// is the only snapshot writer; activities and the HTTP surface read it.
package state

import (
	"encoding/json"
	"time"

	"goa.design/runloop/events"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeRefusal = "refusal"
	OutcomeFailed  = "failed"
)

type (
	// RunState is the folded view of one run.
	RunState struct {
		RunID    string          `json:"run_id"`
		Message  string          `json:"message"`
		Context  map[string]any  `json:"context,omitempty"`
		Mode     string          `json:"mode"`
		Identity events.Identity `json:"identity"`

		Phase  string `json:"phase"`
		Status string `json:"status"`

		Decisions       []Decision    `json:"decisions,omitempty"`
		DiscoveredTools []string      `json:"discovered_tools,omitempty"`
		ToolRequests    []ToolRequest `json:"tool_requests,omitempty"`
		ToolResults     []ToolResult  `json:"tool_results,omitempty"`

		RequestedTool    string `json:"requested_tool,omitempty"`
		LastToolStatus   string `json:"last_tool_status,omitempty"`
		ToolDeniedReason string `json:"tool_denied_reason,omitempty"`

		RetrievedChunks   []Chunk  `json:"retrieved_chunks,omitempty"`
		SanitizedChunkIDs []string `json:"sanitized_chunk_ids,omitempty"`

		Guardrail         Guardrail `json:"guardrail"`
		InjectionDetected bool      `json:"injection_detected,omitempty"`

		OutputText         string  `json:"output_text,omitempty"`
		Outcome            string  `json:"outcome,omitempty"`
		VerificationReason string  `json:"verification_reason,omitempty"`
		LastError          string  `json:"last_error,omitempty"`
		CostSpentUSD       float64 `json:"cost_spent_usd"`
		CostLimitUSD       float64 `json:"cost_limit_usd"`
		Degraded           bool    `json:"degraded,omitempty"`

		LastEventSeq int64     `json:"last_event_seq"`
		UpdatedAt    time.Time `json:"updated_at"`
	}

	// Decision records one decision.made event.
	Decision struct {
		Node     string `json:"node"`
		Decision string `json:"decision"`
		Reason   string `json:"reason,omitempty"`
	}

	// ToolRequest records one tool.requested event.
	ToolRequest struct {
		RequestID string         `json:"request_id"`
		Tool      string         `json:"tool_name"`
		Args      map[string]any `json:"arguments,omitempty"`
	}

	// ToolResult records the terminal event of one tool request.
	ToolResult struct {
		RequestID string         `json:"request_id"`
		Tool      string         `json:"tool_name"`
		Status    string         `json:"status"`
		Output    map[string]any `json:"output,omitempty"`
		ErrorKind string         `json:"error_kind,omitempty"`
		Error     string         `json:"error,omitempty"`
	}

	// Chunk is one retrieved evidence chunk.
	Chunk struct {
		ID       string         `json:"id"`
		DocID    string         `json:"doc_id,omitempty"`
		Score    float64        `json:"score,omitempty"`
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Guardrail records the last guardrail.triggered event.
	Guardrail struct {
		Status     string `json:"status,omitempty"`
		Reason     string `json:"reason,omitempty"`
		Layer      string `json:"layer,omitempty"`
		ThreatType string `json:"threat_type,omitempty"`
	}
)

// New returns the initial snapshot for a run about to start.
func New(runID string) *RunState {
	return &RunState{RunID: runID, Phase: "created", Status: "created"}
}

// Terminal reports whether the run reached an outcome.
func (s *RunState) Terminal() bool { return s.Outcome != "" }

// Apply folds one event into the snapshot. Events must be applied in
// sequence order; callers skip events at or below LastEventSeq.
func (s *RunState) Apply(ev events.Event) {
	switch ev.Type {
	case events.TypeRunStarted:
		s.Message = str(ev.Data, "message")
		s.Mode = str(ev.Data, "mode")
		if c, ok := ev.Data["context"].(map[string]any); ok {
			s.Context = c
		}
		s.Identity = events.Identity{
			TenantID: str(ev.Data, "tenant_id"),
			UserID:   str(ev.Data, "user_id"),
		}
		if v, ok := num(ev.Data, "budget_usd"); ok {
			s.CostLimitUSD = v
		}
		s.Phase = "started"
		s.Status = "running"

	case events.TypeNodeStarted:
		s.Phase = str(ev.Data, "node")

	case events.TypeStatusChanged:
		s.Status = str(ev.Data, "status")

	case events.TypeDecisionMade:
		s.Decisions = append(s.Decisions, Decision{
			Node:     str(ev.Data, "node"),
			Decision: str(ev.Data, "decision"),
			Reason:   str(ev.Data, "reason"),
		})

	case events.TypeOutputChunk:
		s.OutputText += str(ev.Data, "text")

	case events.TypeRetrievalCompleted:
		var chunks []Chunk
		if decodeField(ev.Data, "chunks", &chunks) {
			s.RetrievedChunks = chunks
		}

	case events.TypeContextSanitized:
		var ids []string
		if decodeField(ev.Data, "chunk_ids", &ids) {
			s.SanitizedChunkIDs = append(s.SanitizedChunkIDs, ids...)
		}

	case events.TypeInjectionDetected:
		s.InjectionDetected = true

	case events.TypeToolDiscovered:
		if tool := str(ev.Data, "tool_name"); tool != "" {
			s.DiscoveredTools = append(s.DiscoveredTools, tool)
		}

	case events.TypeToolRequested:
		req := ToolRequest{RequestID: str(ev.Data, "request_id"), Tool: str(ev.Data, "tool_name")}
		if args, ok := ev.Data["arguments"].(map[string]any); ok {
			req.Args = args
		}
		s.ToolRequests = append(s.ToolRequests, req)
		s.RequestedTool = req.Tool
		s.LastToolStatus = "requested"

	case events.TypeToolCompleted:
		res := ToolResult{
			RequestID: str(ev.Data, "request_id"),
			Tool:      str(ev.Data, "tool_name"),
			Status:    "completed",
		}
		if out, ok := ev.Data["output"].(map[string]any); ok {
			res.Output = out
		}
		s.ToolResults = append(s.ToolResults, res)
		s.LastToolStatus = "completed"

	case events.TypeToolFailed:
		s.ToolResults = append(s.ToolResults, ToolResult{
			RequestID: str(ev.Data, "request_id"),
			Tool:      str(ev.Data, "tool_name"),
			Status:    "failed",
			ErrorKind: str(ev.Data, "error_kind"),
			Error:     str(ev.Data, "error"),
		})
		s.LastToolStatus = "failed"

	case events.TypeToolDenied:
		s.ToolResults = append(s.ToolResults, ToolResult{
			RequestID: str(ev.Data, "request_id"),
			Tool:      str(ev.Data, "tool_name"),
			Status:    "denied",
			Error:     str(ev.Data, "reason"),
		})
		s.LastToolStatus = "denied"
		s.ToolDeniedReason = str(ev.Data, "reason")

	case events.TypeGuardrailTriggered:
		s.Guardrail = Guardrail{
			Status:     "guardrail_triggered",
			Reason:     str(ev.Data, "reason"),
			Layer:      str(ev.Data, "layer"),
			ThreatType: str(ev.Data, "threat_type"),
		}
		if str(ev.Data, "action") == "block" {
			s.Outcome = OutcomeRefusal
			s.VerificationReason = s.Guardrail.Reason
		}

	case events.TypeDegradedModeEntered:
		s.Degraded = true

	case events.TypeCostAggregated:
		if v, ok := num(ev.Data, "total_usd"); ok {
			s.CostSpentUSD = v
		} else if v, ok := num(ev.Data, "usd"); ok {
			s.CostSpentUSD += v
		}

	case events.TypeErrorRaised:
		s.LastError = str(ev.Data, "error")

	case events.TypeRunCompleted:
		s.Phase = "completed"
		s.Status = "complete"
		if s.Outcome == "" {
			if o := str(ev.Data, "outcome"); o != "" {
				s.Outcome = o
			} else {
				s.Outcome = OutcomeSuccess
			}
		}
		if r := str(ev.Data, "verification_reason"); r != "" {
			s.VerificationReason = r
		}

	case events.TypeRunFailed:
		s.Phase = "failed"
		s.Status = "failed"
		if s.Outcome == "" {
			if o := str(ev.Data, "outcome"); o != "" {
				s.Outcome = o
			} else {
				s.Outcome = OutcomeFailed
			}
		}
		if r := str(ev.Data, "reason"); r != "" {
			s.LastError = r
		}
		if r := str(ev.Data, "verification_reason"); r != "" {
			s.VerificationReason = r
		}
	}
	s.LastEventSeq = ev.Seq
	s.UpdatedAt = ev.Timestamp
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func num(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// decodeField round-trips a payload field through JSON into target. Payload
// values come from JSON decoding, so the round trip is lossless.
func decodeField(data map[string]any, key string, target any) bool {
	raw, ok := data[key]
	if !ok {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, target) == nil
}
