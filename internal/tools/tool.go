// Package tools defines the registry of LLM-callable tools and the
// executor that dispatches calls locally or routes them to a connected
// browser.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robman/flohub/pkg/models"
)

// Tool parameter limits.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// Tool is one LLM-callable function.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the LLM should see come back as
	// a ToolResult with IsError set, not as a Go error.
	Execute(ctx context.Context, input json.RawMessage) models.ToolResult
}

// Registry manages available tools with thread-safe registration and
// lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any prior tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Definitions returns name/description/schema triples for building the
// provider request payload.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return out
}

// ToolDefinition is the wire shape of one tool in a provider request.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// funcTool adapts a closure into a Tool.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, input json.RawMessage) models.ToolResult
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }
func (t *funcTool) Execute(ctx context.Context, input json.RawMessage) models.ToolResult {
	return t.fn(ctx, input)
}

// NewTool builds a Tool from a closure.
func NewTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, input json.RawMessage) models.ToolResult) Tool {
	if schema == nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

// decodeInput unmarshals tool input, reporting a uniform error message.
func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}
