package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/runloop/fault"
)

// Registry indexes tools by name, compiles their input schemas once at
// registration, and routes invocations to the owning server.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

type entry struct {
	desc   Descriptor
	server Server
	schema *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// RegisterServer adds all of a server's tools. Schemas are compiled here so
// invalid descriptors fail at startup, not at request time.
func (r *Registry) RegisterServer(s Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range s.Tools() {
		if desc.Name == "" {
			return fmt.Errorf("server %s: tool with empty name", s.ID())
		}
		if _, exists := r.tools[desc.Name]; exists {
			return fmt.Errorf("tool %s registered twice", desc.Name)
		}
		schema, err := compileSchema(desc.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", desc.Name, err)
		}
		r.tools[desc.Name] = &entry{desc: desc, server: s, schema: schema}
	}
	return nil
}

// Lookup returns the descriptor for the named tool.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		descs = append(descs, e.desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Validate checks args against the tool's input schema. Violations are
// schema_violation faults.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.KindBadPlan, "unknown tool %s", name)
	}
	if e.schema == nil {
		return nil
	}
	// Round-trip through JSON so the instance uses plain decoded types
	// regardless of how the caller built the map.
	b, err := json.Marshal(args)
	if err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err)
	}
	var instance any
	if err := json.Unmarshal(b, &instance); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err)
	}
	if err := e.schema.Validate(instance); err != nil {
		return fault.Wrap(fault.KindSchemaViolation, err)
	}
	return nil
}

// Call invokes the named tool on its server.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindBadPlan, "unknown tool %s", name)
	}
	return e.server.Call(ctx, name, args)
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	// Round-trip so the compiler sees plain decoded JSON values.
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(b, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
