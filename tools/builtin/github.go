package builtin

import (
	"context"
	"fmt"

	"goa.design/runloop/fault"
	"goa.design/runloop/tools"
)

// GitHub is a read-only repository metadata server. It requires a token; a
// server configured without one fails calls as a server error so runs
// surface the misconfiguration instead of hanging.
type GitHub struct {
	token string
}

// NewGitHub returns the GitHub server using the given API token.
func NewGitHub(token string) *GitHub { return &GitHub{token: token} }

// ID implements tools.Server.
func (g *GitHub) ID() string { return "github" }

// Tools implements tools.Server.
func (g *GitHub) Tools() []tools.Descriptor {
	return []tools.Descriptor{{
		Name:        "github.read",
		Description: "Read repository metadata or file contents.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"repo": map[string]any{"type": "string"},
				"path": map[string]any{"type": "string"},
			},
			"required":             []any{"repo"},
			"additionalProperties": false,
		},
		PermissionScope: "github.read",
		ReadOnly:        true,
	}}
}

// Call implements tools.Server. Responses are canned: the server exists to
// exercise environment-gated scopes, not to talk to the real API.
func (g *GitHub) Call(_ context.Context, tool string, args map[string]any) (map[string]any, error) {
	if tool != "github.read" {
		return nil, fault.Newf(fault.KindBadPlan, "unknown tool %s", tool)
	}
	if g.token == "" {
		return nil, fault.New(fault.KindServerError, "github token not configured")
	}
	repo, _ := args["repo"].(string)
	path, _ := args["path"].(string)
	out := map[string]any{
		"repo":           repo,
		"default_branch": "main",
		"visibility":     "private",
	}
	if path != "" {
		out["path"] = path
		out["content"] = fmt.Sprintf("// contents of %s in %s", path, repo)
	}
	return out, nil
}
