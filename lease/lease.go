// Package lease guards exclusive ownership of a run while an engine drives
// it. The noop lease serves single-process deployments where the engine's
// in-memory per-run locks already guarantee exclusivity; distributed
// deployments use the Redis lease.
package lease

import "context"

// Lease grants exclusive, time-bounded ownership of runs.
type Lease interface {
	// Acquire attempts to take ownership of runID. It returns false when
	// another owner holds the lease.
	Acquire(ctx context.Context, runID string) (bool, error)
	// Refresh extends a held lease. It returns false when the lease was
	// lost, in which case the caller must stop driving the run.
	Refresh(ctx context.Context, runID string) (bool, error)
	// Release gives up ownership of runID. Releasing a lease held by
	// another owner is a no-op.
	Release(ctx context.Context, runID string) error
}

type noop struct{}

// Noop returns a Lease that always grants ownership.
func Noop() Lease { return noop{} }

func (noop) Acquire(context.Context, string) (bool, error) { return true, nil }
func (noop) Refresh(context.Context, string) (bool, error) { return true, nil }
func (noop) Release(context.Context, string) error         { return nil }
