// Package stub provides self-contained collaborator implementations: a
// heuristic planner, a keyword retriever over a fixed corpus, a template
// model streamer, and a keyword guardrail. They let the service run end to
// end without external model or search providers.
package stub

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"goa.design/runloop/activity"
	"goa.design/runloop/state"
	"goa.design/runloop/tools"
)

// arithmeticRE extracts "<a> <op> <b>" requests like "add 2 and 3" or
// "what is 7 times 6".
var arithmeticRE = regexp.MustCompile(`(?i)\b(add|plus|subtract|minus|multiply|times|divide)\b.*?(-?\d+(?:\.\d+)?)\D+(-?\d+(?:\.\d+)?)`)

var arithmeticTools = map[string]string{
	"add":      "calculator.add",
	"plus":     "calculator.add",
	"subtract": "calculator.subtract",
	"minus":    "calculator.subtract",
	"multiply": "calculator.multiply",
	"times":    "calculator.multiply",
	"divide":   "calculator.divide",
}

// Planner is a rule-based planner: arithmetic requests plan a calculator
// call, github mentions plan the github.read tool when it is allowed, very
// short messages ask for clarification, and everything else is answered
// directly.
type Planner struct{}

// NewPlanner returns the heuristic planner.
func NewPlanner() *Planner { return &Planner{} }

// Plan implements activity.Planner.
func (p *Planner) Plan(_ context.Context, rs *state.RunState, allowed []tools.Descriptor) (activity.PlanDecision, error) {
	msg := strings.TrimSpace(rs.Message)

	if m := arithmeticRE.FindStringSubmatch(msg); m != nil {
		tool := arithmeticTools[strings.ToLower(m[1])]
		if hasTool(allowed, tool) {
			a, _ := strconv.ParseFloat(m[2], 64)
			b, _ := strconv.ParseFloat(m[3], 64)
			return activity.PlanDecision{
				PlanType: activity.PlanDirectAnswer,
				Reason:   "arithmetic request",
				Tool:     tool,
				ToolArgs: map[string]any{"a": a, "b": b},
			}, nil
		}
	}
	if strings.Contains(strings.ToLower(msg), "github") && hasTool(allowed, "github.read") {
		return activity.PlanDecision{
			PlanType: activity.PlanDirectAnswer,
			Reason:   "repository lookup",
			Tool:     "github.read",
			ToolArgs: map[string]any{"query": msg},
		}, nil
	}
	if len(strings.Fields(msg)) < 2 {
		return activity.PlanDecision{
			PlanType: activity.PlanNeedsClarification,
			Reason:   "message too short to act on",
		}, nil
	}
	return activity.PlanDecision{PlanType: activity.PlanDirectAnswer, Reason: "answerable from context"}, nil
}

func hasTool(descs []tools.Descriptor, name string) bool {
	for _, d := range descs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Retriever serves a fixed corpus, scoring chunks by word overlap with the
// query.
type Retriever struct {
	corpus  []state.Chunk
	version string
}

// NewRetriever returns a Retriever over corpus.
func NewRetriever(corpus []state.Chunk, version string) *Retriever {
	if version == "" {
		version = "v1"
	}
	return &Retriever{corpus: corpus, version: version}
}

// Retrieve implements activity.Retriever.
func (r *Retriever) Retrieve(_ context.Context, _, query string, topK int) ([]state.Chunk, error) {
	words := strings.Fields(strings.ToLower(query))
	type scored struct {
		chunk state.Chunk
		score float64
	}
	var matches []scored
	for _, chunk := range r.corpus {
		text := strings.ToLower(chunk.Text)
		var hits int
		for _, w := range words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		if hits > 0 {
			c := chunk
			c.Score = float64(hits) / float64(len(words))
			matches = append(matches, scored{chunk: c, score: c.Score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	chunks := make([]state.Chunk, len(matches))
	for i, m := range matches {
		chunks[i] = m.chunk
	}
	return chunks, nil
}

// CorpusVersion implements activity.Retriever.
func (r *Retriever) CorpusVersion() string { return r.version }

// tokenCostUSD approximates model pricing for budget accounting.
const tokenCostUSD = 0.00001

// Model is a template streamer: it answers from tool results and evidence,
// citing every chunk it uses.
type Model struct{}

// NewModel returns the template model.
func NewModel() *Model { return &Model{} }

// Stream implements activity.ModelStreamer.
func (m *Model) Stream(_ context.Context, req activity.ModelRequest, emit func(string) error) (activity.Usage, error) {
	text := m.compose(req)
	// Stream in small pieces so consumers exercise real chunking.
	const chunk = 48
	for i := 0; i < len(text); i += chunk {
		end := i + chunk
		if end > len(text) {
			end = len(text)
		}
		if err := emit(text[i:end]); err != nil {
			return activity.Usage{}, err
		}
	}
	in := len(strings.Fields(req.Message))
	out := len(strings.Fields(text))
	return activity.Usage{
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      float64(in+out) * tokenCostUSD,
	}, nil
}

func (m *Model) compose(req activity.ModelRequest) string {
	var b strings.Builder
	if res := lastToolResult(req.ToolResults); res != nil {
		switch res.Status {
		case "completed":
			fmt.Fprintf(&b, "Using %s: %s. ", res.Tool, formatOutput(res.Output))
		case "failed":
			fmt.Fprintf(&b, "The %s tool was unavailable (%s), so this answer is unassisted. ", res.Tool, res.ErrorKind)
		case "denied":
			fmt.Fprintf(&b, "The %s tool is not permitted here, so this answer is unassisted. ", res.Tool)
		}
	}
	if len(req.Chunks) > 0 {
		b.WriteString("Based on the available sources: ")
		for i, chunk := range req.Chunks {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s [%s]", strings.TrimSpace(chunk.Text), chunk.ID)
		}
		b.WriteString(".")
		return b.String()
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "Regarding %q: here is a direct answer based on general knowledge.", req.Message)
	}
	return b.String()
}

func lastToolResult(results []state.ToolResult) *state.ToolResult {
	if len(results) == 0 {
		return nil
	}
	return &results[len(results)-1]
}

func formatOutput(out map[string]any) string {
	if out == nil {
		return "no output"
	}
	if v, ok := out["result"]; ok {
		return fmt.Sprintf("the result is %v", v)
	}
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, out[k])
	}
	return strings.Join(parts, ", ")
}

// guardrailRule matches one keyword and classifies the threat.
type guardrailRule struct {
	keyword    string
	threatType string
	action     string
}

// Guardrail blocks or flags text containing configured keywords.
type Guardrail struct {
	rules []guardrailRule
}

// NewGuardrail returns a guardrail with the default rule set.
func NewGuardrail() *Guardrail {
	return &Guardrail{rules: []guardrailRule{
		{keyword: "ignore previous instructions", threatType: "prompt_injection", action: "block"},
		{keyword: "ignore all previous instructions", threatType: "prompt_injection", action: "block"},
		{keyword: "reveal your system prompt", threatType: "prompt_injection", action: "block"},
		{keyword: "drop all tables", threatType: "tool_abuse", action: "block"},
		{keyword: "credit card number", threatType: "policy_violation", action: "block"},
		{keyword: "social security number", threatType: "policy_violation", action: "block"},
		{keyword: "password", threatType: "policy_violation", action: "flag"},
		{keyword: "api key", threatType: "policy_violation", action: "flag"},
	}}
}

// Check implements activity.Guardrail.
func (g *Guardrail) Check(_ context.Context, _, text string) (activity.Violation, bool) {
	lower := strings.ToLower(text)
	for _, r := range g.rules {
		if !strings.Contains(lower, r.keyword) {
			continue
		}
		confidence := 0.9
		if r.action == "flag" {
			confidence = 0.6
		}
		return activity.Violation{
			ThreatType: r.threatType,
			Reason:     "matched keyword " + strconv.Quote(r.keyword),
			Confidence: confidence,
			Action:     r.action,
		}, true
	}
	return activity.Violation{}, false
}

// DefaultCorpus is a small built-in corpus for local experimentation.
func DefaultCorpus() []state.Chunk {
	return []state.Chunk{
		{ID: "go-1", DocID: "go", Text: "Go is a statically typed compiled language designed at Google."},
		{ID: "go-2", DocID: "go", Text: "Goroutines are lightweight threads managed by the Go runtime."},
		{ID: "redis-1", DocID: "redis", Text: "Redis is an in-memory data store used as a cache, database, and message broker."},
		{ID: "sse-1", DocID: "sse", Text: "Server-sent events stream updates from a server to a client over a single HTTP connection."},
	}
}
