package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/runloop/fault"
	"goa.design/runloop/tools"
	"goa.design/runloop/tools/builtin"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.RegisterServer(builtin.NewCalculator()))
	require.NoError(t, r.RegisterServer(builtin.NewGitHub("tok")))
	return r
}

func TestRegistryLookupAndList(t *testing.T) {
	r := newRegistry(t)

	desc, ok := r.Lookup("calculator.add")
	require.True(t, ok)
	require.True(t, desc.ReadOnly)
	require.Equal(t, "calculator.add", desc.PermissionScope)

	_, ok = r.Lookup("nope")
	require.False(t, ok)

	list := r.List()
	require.Len(t, list, 5)
	require.Equal(t, "calculator.add", list[0].Name, "list is sorted")
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.RegisterServer(builtin.NewCalculator()))
	require.Error(t, r.RegisterServer(builtin.NewCalculator()))
}

func TestValidate(t *testing.T) {
	r := newRegistry(t)

	require.NoError(t, r.Validate("calculator.add", map[string]any{"a": 2.0, "b": 3.0}))

	err := r.Validate("calculator.add", map[string]any{"a": "two", "b": 3.0})
	require.Error(t, err)
	require.Equal(t, fault.KindSchemaViolation, fault.KindOf(err))

	err = r.Validate("calculator.add", map[string]any{"a": 2.0})
	require.Error(t, err, "missing required argument")

	err = r.Validate("calculator.add", map[string]any{"a": 2.0, "b": 3.0, "c": 1.0})
	require.Error(t, err, "additional properties rejected")

	err = r.Validate("nope", nil)
	require.Equal(t, fault.KindBadPlan, fault.KindOf(err))
}

func TestRegistryCall(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	out, err := r.Call(ctx, "calculator.divide", map[string]any{"a": 8.0, "b": 2.0})
	require.NoError(t, err)
	require.Equal(t, 4.0, out["result"])

	_, err = r.Call(ctx, "calculator.divide", map[string]any{"a": 8.0, "b": 0.0})
	require.Error(t, err)
	require.Equal(t, fault.KindServerError, fault.KindOf(err))
}

func TestGateRules(t *testing.T) {
	dev := tools.NewGate("development")
	prod := tools.NewGate("production")

	ok, _ := dev.Check("calculator.add")
	require.True(t, ok)
	ok, _ = prod.Check("calculator.divide")
	require.True(t, ok)

	ok, _ = dev.Check("github.read")
	require.True(t, ok)
	ok, reason := prod.Check("github.read")
	require.False(t, ok)
	require.Equal(t, tools.DenyScopeNotAllowedEnvironment, reason)

	ok, reason = dev.Check("filesystem.write")
	require.False(t, ok)
	require.Equal(t, tools.DenyScopeNotAllowed, reason)
}

func TestGateAllowed(t *testing.T) {
	r := newRegistry(t)
	prod := tools.NewGate("production")
	allowed := prod.Allowed(r.List())
	require.Len(t, allowed, 4, "github.read filtered outside development")
	for _, d := range allowed {
		require.Contains(t, d.Name, "calculator.")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := tools.NewCache(2)
	c.Put("k1", map[string]any{"v": 1})
	c.Put("k2", map[string]any{"v": 2})

	// Touch k1 so k2 is the eviction candidate.
	_, ok := c.Get("k1")
	require.True(t, ok)

	c.Put("k3", map[string]any{"v": 3})
	require.Equal(t, 2, c.Len())
	_, ok = c.Get("k2")
	require.False(t, ok)
	_, ok = c.Get("k1")
	require.True(t, ok)
}

func TestCacheKeysAreContentAddressed(t *testing.T) {
	k1 := tools.ToolKey("acme", "calculator.add", map[string]any{"a": 1.0, "b": 2.0})
	k2 := tools.ToolKey("acme", "calculator.add", map[string]any{"b": 2.0, "a": 1.0})
	require.Equal(t, k1, k2, "argument order does not matter")

	require.NotEqual(t, k1, tools.ToolKey("globex", "calculator.add", map[string]any{"a": 1.0, "b": 2.0}))
	require.NotEqual(t, k1, tools.ToolKey("acme", "calculator.subtract", map[string]any{"a": 1.0, "b": 2.0}))

	r1 := tools.RetrievalKey("acme", "v1", 5, "what is go")
	require.Equal(t, r1, tools.RetrievalKey("acme", "v1", 5, "what is go"))
	require.NotEqual(t, r1, tools.RetrievalKey("acme", "v2", 5, "what is go"))
	require.NotEqual(t, r1, tools.RetrievalKey("acme", "v1", 6, "what is go"))
}

func TestGitHubWithoutToken(t *testing.T) {
	g := builtin.NewGitHub("")
	_, err := g.Call(context.Background(), "github.read", map[string]any{"repo": "acme/site"})
	require.Error(t, err)
	require.Equal(t, fault.KindServerError, fault.KindOf(err))
}

func TestCalculatorOps(t *testing.T) {
	c := builtin.NewCalculator()
	ctx := context.Background()
	cases := []struct {
		tool string
		a, b float64
		want float64
	}{
		{"calculator.add", 2, 3, 5},
		{"calculator.subtract", 2, 3, -1},
		{"calculator.multiply", 2, 3, 6},
		{"calculator.divide", 9, 3, 3},
	}
	for _, tc := range cases {
		t.Run(tc.tool, func(t *testing.T) {
			out, err := c.Call(ctx, tc.tool, map[string]any{"a": tc.a, "b": tc.b})
			require.NoError(t, err)
			require.Equal(t, tc.want, out["result"])
		})
	}
}
