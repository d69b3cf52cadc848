// Package tools provides the uniform typed invocation surface for external
// collaborators. Local tools run in-process; remote tools are reached over
// a persistent SSE session.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// ToolError is the single failure variant surfaced by tool invocation.
// Transport and validation failures both collapse into it.
type ToolError struct {
	Tool   string
	Detail string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Detail, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Detail)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Handler executes a tool against its deserialized input.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool is a named function with a typed input schema and JSON output.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     Handler
}

// New builds a typed tool: the input schema is derived from T and the
// handler receives the already-deserialized input.
func New[T any](name, description string, fn func(ctx context.Context, input T) (any, error)) Tool {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var zero T
	schema := reflector.Reflect(&zero)
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var input T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &input); err != nil {
					return nil, fmt.Errorf("invalid input: %w", err)
				}
			}
			return fn(ctx, input)
		},
	}
}

// Registry is a lookup-by-name set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Subset returns a new registry holding only the named tools. Unknown
// names are a programming error.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	sub := NewRegistry()
	for _, n := range names {
		t, ok := r.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		sub.Register(t)
	}
	return sub, nil
}

// Invoke runs a tool and returns its JSON-serialized output. Every failure
// is wrapped in *ToolError.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, &ToolError{Tool: name, Detail: "not registered"}
	}
	out, err := t.Handler(ctx, input)
	if err != nil {
		return nil, &ToolError{Tool: name, Detail: "invocation failed", Err: err}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &ToolError{Tool: name, Detail: "output not serializable", Err: err}
	}
	return raw, nil
}
