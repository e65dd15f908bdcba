package registry

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handler executes one tool. params is the normalized parameter value built
// by the bindings layer: nil, an object (map[string]any) or a pass-through
// array ([]any).
type Handler func(ctx context.Context, params any, ec ExecutionContext) (any, error)

// Tool describes a single operation exposed to Code Mode scripts
type Tool struct {
	Name        string
	Group       string
	Description string
	InputSchema mcp.ToolInputSchema
	Handler     Handler
}

// Registry is an ordered, immutable list of tools
type Registry struct {
	tools []Tool
	index map[string]int
}

// New creates a registry from tools, rejecting duplicates and incomplete entries
func New(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools: make([]Tool, 0, len(tools)),
		index: make(map[string]int, len(tools)),
	}

	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if t.Group == "" {
			return nil, fmt.Errorf("tool %s: group is required", t.Name)
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %s: handler is required", t.Name)
		}
		if _, exists := r.index[t.Name]; exists {
			return nil, fmt.Errorf("duplicate tool: %s", t.Name)
		}
		r.index[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}

	return r, nil
}

// Tools returns a copy of the registered tools in registration order
func (r *Registry) Tools() []Tool {
	return append([]Tool(nil), r.tools...)
}

// Lookup returns the tool registered under name
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.index[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	return len(r.tools)
}

// Groups returns the distinct group names in first-seen order
func (r *Registry) Groups() []string {
	seen := make(map[string]bool)
	var groups []string
	for _, t := range r.tools {
		if !seen[t.Group] {
			seen[t.Group] = true
			groups = append(groups, t.Group)
		}
	}
	return groups
}
