package tools

import "strings"

// Deny reasons reported in tool.denied events.
const (
	DenyScopeNotAllowed            = "scope_not_allowed"
	DenyScopeNotAllowedEnvironment = "scope_not_allowed_environment"
)

// Gate decides whether a permission scope may be exercised in the current
// environment. Calculator scopes are always allowed; github.read only in
// development.
type Gate struct {
	env string
}

// NewGate returns a Gate for the given environment name.
func NewGate(env string) *Gate { return &Gate{env: env} }

// Check returns whether the scope is allowed, and the deny reason when not.
func (g *Gate) Check(scope string) (bool, string) {
	switch {
	case strings.HasPrefix(scope, "calculator."):
		return true, ""
	case scope == "github.read":
		if g.env == "development" {
			return true, ""
		}
		return false, DenyScopeNotAllowedEnvironment
	default:
		return false, DenyScopeNotAllowed
	}
}

// Allowed filters descs down to the tools whose scope passes the gate.
func (g *Gate) Allowed(descs []Descriptor) []Descriptor {
	var out []Descriptor
	for _, d := range descs {
		if ok, _ := g.Check(d.PermissionScope); ok {
			out = append(out, d)
		}
	}
	return out
}
