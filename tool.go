package tern

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolDefinition describes one callable tool to the model. Parameters is a
// JSON schema document; nil means the tool takes no arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the outcome of one tool execution. A non-empty Error is an
// absorbed failure: it becomes result content for the model, never a turn
// abort.
type ToolResult struct {
	Content string
	Error   string
}

// Tool exposes one or more named operations to the agent loop.
type Tool interface {
	// Definitions returns the operations this tool provides.
	Definitions() []ToolDefinition
	// Execute runs the named operation. Returned errors are absorbed by the
	// loop into error-string results.
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry routes execution requests to registered tools by name.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers every operation the tool defines. Later registrations win on
// name collision.
func (r *ToolRegistry) Add(t Tool) {
	for _, def := range t.Definitions() {
		if _, exists := r.tools[def.Name]; !exists {
			r.order = append(r.order, def.Name)
		}
		r.tools[def.Name] = t
	}
}

// AllDefinitions returns every registered definition in registration order.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range r.order {
		t := r.tools[name]
		for _, def := range t.Definitions() {
			if def.Name == name {
				defs = append(defs, def)
			}
		}
	}
	return defs
}

// Execute dispatches to the tool registered under name. An unknown name is
// not an error: the model referenced a tool that does not exist, and the
// loop reports that back as result content.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}
	return t.Execute(ctx, name, args)
}
