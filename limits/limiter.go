// Package limits enforces admission-time resource bounds: active-run
// concurrency (global and per tenant) and per-run model spend budgets.
package limits

import (
	"sync"

	"goa.design/runloop/fault"
)

// Scopes reported by rate.limit.exceeded events.
const (
	ScopeGlobal      = "global"
	ScopeTenant      = "tenant"
	ScopeModelBudget = "model_budget"
)

// Refusal is a rate_limited fault that names the cap that refused. The
// wrapped fault keeps errors.As kind classification working.
type Refusal struct {
	Scope string
	err   error
}

func (r *Refusal) Error() string { return r.err.Error() }

func (r *Refusal) Unwrap() error { return r.err }

// Limiter counts active runs and refuses admissions over the configured
// caps. A zero cap disables that bound.
type Limiter struct {
	global    int
	perTenant int

	mu      sync.Mutex
	active  int
	tenants map[string]int
}

// NewLimiter returns a Limiter with the given caps.
func NewLimiter(global, perTenant int) *Limiter {
	return &Limiter{global: global, perTenant: perTenant, tenants: make(map[string]int)}
}

// Acquire reserves a slot for a run of the given tenant. It returns a
// rate_limited fault when either cap is reached.
func (l *Limiter) Acquire(tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global > 0 && l.active >= l.global {
		return &Refusal{Scope: ScopeGlobal, err: fault.New(fault.KindRateLimited, "global concurrency limit reached")}
	}
	if l.perTenant > 0 && l.tenants[tenantID] >= l.perTenant {
		return &Refusal{Scope: ScopeTenant, err: fault.Newf(fault.KindRateLimited, "tenant %s concurrency limit reached", tenantID)}
	}
	l.active++
	l.tenants[tenantID]++
	return nil
}

// Release frees the slot held by a run of the given tenant.
func (l *Limiter) Release(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	if l.tenants[tenantID] > 0 {
		l.tenants[tenantID]--
		if l.tenants[tenantID] == 0 {
			delete(l.tenants, tenantID)
		}
	}
}

// Active returns the number of currently admitted runs.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
