// Package events defines the run event model: the envelope persisted to the
// append-only per-run log, the closed event type vocabulary, and the Log
// interface implemented by the local and distributed transports.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a run event. The vocabulary is closed: producers emit only the
// constants below.
type Type string

const (
	// Run lifecycle.
	TypeRunStarted   Type = "run.started"
	TypeRunCompleted Type = "run.completed"
	TypeRunFailed    Type = "run.failed"

	// Node and status progress.
	TypeNodeStarted   Type = "node.started"
	TypeNodeCompleted Type = "node.completed"
	TypeStatusChanged Type = "status.changed"
	TypeDecisionMade  Type = "decision.made"
	TypeOutputChunk   Type = "output.chunk"

	// Retrieval.
	TypeRetrievalStarted   Type = "retrieval.started"
	TypeRetrievalCompleted Type = "retrieval.completed"

	// Tools.
	TypeToolDiscovered  Type = "tool.discovered"
	TypeToolRequested   Type = "tool.requested"
	TypeToolCompleted   Type = "tool.completed"
	TypeToolFailed      Type = "tool.failed"
	TypeToolDenied      Type = "tool.denied"
	TypeToolServerError Type = "tool.server.error"

	// Workflow progress.
	TypeWorkflowStarted            Type = "workflow.started"
	TypeWorkflowStepStarted        Type = "workflow.step.started"
	TypeWorkflowStepCompleted      Type = "workflow.step.completed"
	TypeWorkflowRetrying           Type = "workflow.retrying"
	TypeWorkflowWaitingForEvent    Type = "workflow.waiting_for_event"
	TypeWorkflowWaitingForApproval Type = "workflow.waiting_for_approval"
	TypeWorkflowApprovalRecorded   Type = "workflow.approval.recorded"
	TypeWorkflowCompleted          Type = "workflow.completed"
	TypeWorkflowFailed             Type = "workflow.failed"

	// Safety and resource signals.
	TypeGuardrailTriggered  Type = "guardrail.triggered"
	TypeContextSanitized    Type = "context.sanitized"
	TypeInjectionDetected   Type = "injection.detected"
	TypeRateLimitExceeded   Type = "rate.limit.exceeded"
	TypeDegradedModeEntered Type = "degraded.mode.entered"
	TypeCacheHit            Type = "cache.hit"
	TypeCacheMiss           Type = "cache.miss"
	TypeCostAggregated      Type = "cost.aggregated"
	TypeErrorRaised         Type = "error.raised"
)

type (
	// Event is the envelope appended to a run's log. Seq is assigned by the
	// store at append time and is gap-free and strictly increasing per run.
	Event struct {
		ID        string         `json:"id"`
		RunID     string         `json:"run_id"`
		Seq       int64          `json:"seq"`
		Timestamp time.Time      `json:"ts"`
		Type      Type           `json:"type"`
		Data      map[string]any `json:"data"`
	}

	// Identity carries the tenant and user a run executes for. It is stamped
	// into every event payload that does not already carry the keys.
	Identity struct {
		TenantID string `json:"tenant_id"`
		UserID   string `json:"user_id"`
	}
)

// New builds an event envelope with a fresh ID and the current time. Seq is
// zero until the store assigns it.
func New(runID string, typ Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Data:      data,
	}
}

// IsTerminal reports whether typ ends a run.
func IsTerminal(typ Type) bool {
	return typ == TypeRunCompleted || typ == TypeRunFailed
}

// Stamp copies the identity into data unless the keys are already present.
// It returns data for chaining.
func Stamp(data map[string]any, id Identity) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["tenant_id"]; !ok && id.TenantID != "" {
		data["tenant_id"] = id.TenantID
	}
	if _, ok := data["user_id"]; !ok && id.UserID != "" {
		data["user_id"] = id.UserID
	}
	return data
}
