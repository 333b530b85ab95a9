package limits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/runloop/fault"
)

func TestLimiterGlobalCap(t *testing.T) {
	l := NewLimiter(2, 0)
	require.NoError(t, l.Acquire("a"))
	require.NoError(t, l.Acquire("b"))

	err := l.Acquire("c")
	require.Error(t, err)
	require.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	var refusal *Refusal
	require.True(t, errors.As(err, &refusal))
	require.Equal(t, ScopeGlobal, refusal.Scope)

	l.Release("a")
	require.NoError(t, l.Acquire("c"))
	require.Equal(t, 2, l.Active())
}

func TestLimiterTenantCap(t *testing.T) {
	l := NewLimiter(0, 1)
	require.NoError(t, l.Acquire("acme"))
	err := l.Acquire("acme")
	require.Error(t, err)
	require.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	var refusal *Refusal
	require.True(t, errors.As(err, &refusal))
	require.Equal(t, ScopeTenant, refusal.Scope)
	// Other tenants are unaffected.
	require.NoError(t, l.Acquire("globex"))

	l.Release("acme")
	require.NoError(t, l.Acquire("acme"))
}

func TestLimiterZeroCapsDisable(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire("acme"))
	}
}

func TestBudgetSpend(t *testing.T) {
	b := NewBudget()
	b.Register("run-1", 0.10)

	total, err := b.Spend("run-1", 0.04)
	require.NoError(t, err)
	require.Equal(t, 0.04, total)

	total, err = b.Spend("run-1", 0.05)
	require.NoError(t, err)
	require.InDelta(t, 0.09, total, 1e-9)

	// Crossing the limit fails but still records the spend.
	total, err = b.Spend("run-1", 0.05)
	require.Error(t, err)
	require.Equal(t, fault.KindBudgetExhausted, fault.KindOf(err))
	require.InDelta(t, 0.14, total, 1e-9)
	require.InDelta(t, 0.14, b.Spent("run-1"), 1e-9)
}

func TestBudgetZeroLimitDisables(t *testing.T) {
	b := NewBudget()
	b.Register("run-1", 0)
	_, err := b.Spend("run-1", 1000)
	require.NoError(t, err)
}

func TestBudgetForget(t *testing.T) {
	b := NewBudget()
	b.Register("run-1", 1)
	_, err := b.Spend("run-1", 0.5)
	require.NoError(t, err)
	b.Forget("run-1")
	require.Equal(t, 0.0, b.Spent("run-1"))
}
