// Package builtin provides the tool servers shipped with the engine: a
// calculator and a read-only GitHub stub. Both are small but exercise the
// full executor pipeline, including schema validation, permission scopes,
// caching, and server errors.
package builtin

import (
	"context"

	"goa.design/runloop/fault"
	"goa.design/runloop/tools"
)

// Calculator hosts basic arithmetic tools.
type Calculator struct{}

// NewCalculator returns the calculator server.
func NewCalculator() *Calculator { return &Calculator{} }

// ID implements tools.Server.
func (c *Calculator) ID() string { return "calculator" }

func numberArgs() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required":             []any{"a", "b"},
		"additionalProperties": false,
	}
}

// Tools implements tools.Server.
func (c *Calculator) Tools() []tools.Descriptor {
	ops := []struct{ name, desc string }{
		{"calculator.add", "Add two numbers."},
		{"calculator.subtract", "Subtract b from a."},
		{"calculator.multiply", "Multiply two numbers."},
		{"calculator.divide", "Divide a by b."},
	}
	descs := make([]tools.Descriptor, 0, len(ops))
	for _, op := range ops {
		descs = append(descs, tools.Descriptor{
			Name:            op.name,
			Description:     op.desc,
			InputSchema:     numberArgs(),
			PermissionScope: op.name,
			ReadOnly:        true,
		})
	}
	return descs
}

// Call implements tools.Server.
func (c *Calculator) Call(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	a, aok := args["a"].(float64)
	b, bok := args["b"].(float64)
	if !aok || !bok {
		return nil, fault.New(fault.KindSchemaViolation, "a and b must be numbers")
	}
	var result float64
	switch tool {
	case "calculator.add":
		result = a + b
	case "calculator.subtract":
		result = a - b
	case "calculator.multiply":
		result = a * b
	case "calculator.divide":
		if b == 0 {
			return nil, fault.New(fault.KindServerError, "division by zero")
		}
		result = a / b
	default:
		return nil, fault.Newf(fault.KindBadPlan, "unknown tool %s", tool)
	}
	return map[string]any{"result": result}, nil
}
