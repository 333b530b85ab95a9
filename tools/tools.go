// Package tools defines tool descriptors, the server interface tool
// implementations plug into, the registry that validates arguments against
// descriptor schemas, the permission gate, and the bounded result cache.
package tools

import (
	"context"
	"time"
)

type (
	// Descriptor describes one invocable tool.
	Descriptor struct {
		// Name is the fully qualified tool name, e.g. "calculator.add".
		Name string `json:"name"`
		// Description is shown to planners.
		Description string `json:"description"`
		// InputSchema is the JSON Schema arguments must satisfy.
		InputSchema map[string]any `json:"input_schema"`
		// PermissionScope is checked by the gate before invocation.
		PermissionScope string `json:"permission_scope"`
		// ReadOnly marks tools whose results may be served from cache.
		ReadOnly bool `json:"read_only"`
		// Timeout bounds one invocation. Zero uses the executor default.
		Timeout time.Duration `json:"-"`
	}

	// Server hosts one or more tools.
	Server interface {
		// ID identifies the server.
		ID() string
		// Tools lists the descriptors this server provides.
		Tools() []Descriptor
		// Call invokes the named tool. Application-level failures return a
		// fault.Error with kind server_error.
		Call(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
	}
)
