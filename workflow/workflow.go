// Package workflow defines the durable per-run workflow state: the fixed
// step sequence, retry policies, the closed set of activity results, and the
// Store interface the engine persists through.
package workflow

import (
	"time"

	"goa.design/runloop/events"
)

// Step names one workflow step. Runs execute the steps of Order in sequence.
type Step string

const (
	StepReceive      Step = "receive"
	StepPlan         Step = "plan"
	StepRetrieve     Step = "retrieve"
	StepRespond      Step = "respond"
	StepVerify       Step = "verify"
	StepMaybeApprove Step = "maybe_approve"
	StepFinalize     Step = "finalize"

	// StepNone marks the end of the sequence.
	StepNone Step = ""
)

// Order is the fixed step sequence.
var Order = []Step{
	StepReceive,
	StepPlan,
	StepRetrieve,
	StepRespond,
	StepVerify,
	StepMaybeApprove,
	StepFinalize,
}

// Next returns the step after s, or StepNone after the last step.
func Next(s Step) Step {
	for i, step := range Order {
		if step == s && i+1 < len(Order) {
			return Order[i+1]
		}
	}
	return StepNone
}

// Status is the scheduling state of a run's workflow.
type Status string

const (
	StatusRunning            Status = "running"
	StatusRetrying           Status = "retrying"
	StatusWaitingForEvent    Status = "waiting_for_event"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Human decisions recorded against a waiting run.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// State is the durable workflow state of one run.
type State struct {
	RunID       string       `json:"run_id"`
	CurrentStep Step         `json:"current_step"`
	Status      Status       `json:"status"`
	Attempts    map[Step]int `json:"attempts"`

	PendingEventTypes []events.Type `json:"pending_event_types,omitempty"`
	WaitingReason     string        `json:"waiting_reason,omitempty"`
	HumanDecision     string        `json:"human_decision,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	RetryAt           time.Time     `json:"retry_at,omitempty"`

	// Resuming marks a run woken from a wait. The next invocation of the
	// current step continues the interrupted one instead of consuming a new
	// attempt.
	Resuming bool `json:"resuming,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns the initial workflow state for a run.
func NewState(runID string) *State {
	now := time.Now().UTC()
	return &State{
		RunID:       runID,
		CurrentStep: StepReceive,
		Status:      StatusRunning,
		Attempts:    make(map[Step]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Terminal reports whether the workflow has finished.
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Waiting reports whether the workflow is blocked on an external signal.
func (s *State) Waiting() bool {
	return s.Status == StatusWaitingForEvent || s.Status == StatusWaitingForApproval
}

// WantsEvent reports whether typ unblocks a workflow waiting for events.
func (s *State) WantsEvent(typ events.Type) bool {
	if s.Status != StatusWaitingForEvent {
		return false
	}
	for _, t := range s.PendingEventTypes {
		if t == typ {
			return true
		}
	}
	return false
}
