package workflow

import "time"

// maxBackoff caps the exponential delay between attempts.
const maxBackoff = 60 * time.Second

type (
	// Policy bounds retries of one step.
	Policy struct {
		// MaxAttempts is the total number of invocations allowed,
		// including the first.
		MaxAttempts int
		// Base is the delay before the first retry; subsequent retries
		// double it.
		Base time.Duration
	}

	// Policies maps steps to their retry policy.
	Policies map[Step]Policy
)

// DefaultPolicies returns the conservative per-step retry table. Steps that
// validate or finalize do not retry; the steps that talk to external systems
// do.
func DefaultPolicies() Policies {
	return Policies{
		StepReceive:      {MaxAttempts: 1},
		StepPlan:         {MaxAttempts: 2, Base: 2 * time.Second},
		StepRetrieve:     {MaxAttempts: 3, Base: 5 * time.Second},
		StepRespond:      {MaxAttempts: 3, Base: 5 * time.Second},
		StepVerify:       {MaxAttempts: 2, Base: 2 * time.Second},
		StepMaybeApprove: {MaxAttempts: 1},
		StepFinalize:     {MaxAttempts: 1},
	}
}

// For returns the policy for step, defaulting to a single attempt.
func (p Policies) For(step Step) Policy {
	if pol, ok := p[step]; ok {
		return pol
	}
	return Policy{MaxAttempts: 1}
}

// Allows reports whether another attempt may follow the given completed
// attempt count.
func (pol Policy) Allows(attempts int) bool {
	return attempts < pol.MaxAttempts
}

// Backoff returns the delay before re-running a step that has failed
// attempts times: base doubled per prior failure, capped at one minute.
func (pol Policy) Backoff(attempts int) time.Duration {
	if pol.Base <= 0 || attempts <= 0 {
		return 0
	}
	d := pol.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
