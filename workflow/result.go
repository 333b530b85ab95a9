package workflow

import "goa.design/runloop/events"

// ResultKind discriminates the closed set of activity outcomes.
type ResultKind int

const (
	// ResultOk advances the workflow to Next.
	ResultOk ResultKind = iota
	// ResultFatal fails the run without retrying.
	ResultFatal
	// ResultTransient retries the step, subject to its policy.
	ResultTransient
	// ResultWaitEvents parks the run until one of EventTypes arrives.
	ResultWaitEvents
	// ResultWaitApproval parks the run until a human decision is recorded.
	ResultWaitApproval
)

// Result is the outcome of one activity invocation.
type Result struct {
	Kind       ResultKind
	Next       Step
	Err        error
	Reason     string
	EventTypes []events.Type
}

// Ok advances to next; pass StepNone to end the workflow.
func Ok(next Step) Result { return Result{Kind: ResultOk, Next: next} }

// Fatal fails the run with err.
func Fatal(err error) Result { return Result{Kind: ResultFatal, Err: err} }

// Transient requests a retry of the current step.
func Transient(err error) Result { return Result{Kind: ResultTransient, Err: err} }

// WaitForEvents parks the run until an event of one of the given types is
// appended for it.
func WaitForEvents(reason string, types ...events.Type) Result {
	return Result{Kind: ResultWaitEvents, Reason: reason, EventTypes: types}
}

// WaitForApproval parks the run until a human approves or rejects it.
func WaitForApproval(reason string) Result {
	return Result{Kind: ResultWaitApproval, Reason: reason}
}
