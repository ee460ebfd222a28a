// Package tools holds the tool registry, input validation, dispatch, and the
// permission gate that decides which tool may run in the current chain.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/pkg/models"
)

// Handler executes a tool call and returns its text output.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is a registered callable. Allowed lists the tools this one may call
// while it is the active chain initiator; MayInitiate permits it as the first
// call of a chain.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
	MayInitiate bool
	Allowed     []string
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry stores tools by name, preserving registration order for the
// definitions sent to the model.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registered
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*registered), logger: logger}
}

// Register adds a tool. The input schema must compile; duplicate names are
// rejected.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	schemaSrc := t.InputSchema
	if len(schemaSrc) == 0 {
		schemaSrc = json.RawMessage(`{"type":"object"}`)
		t.InputSchema = schemaSrc
	}
	schema, err := jsonschema.CompileString(t.Name+".schema.json", string(schemaSrc))
	if err != nil {
		return fmt.Errorf("tool %s: compile input schema: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, schema: schema}
	r.order = append(r.order, t.Name)
	r.logger.Debug("registered tool", "tool", t.Name)
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return reg.tool, true
}

// Definitions returns the wire definitions in registration order.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// Dispatch validates the input and runs the tool. Failures of any kind come
// back as (output, true) so they can be fed to the model as an is_error
// tool_result instead of crashing the session.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (output string, isError bool) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Sprintf("invalid tool input: %v", err), true
	}
	if err := reg.schema.Validate(decoded); err != nil {
		return fmt.Sprintf("tool input rejected by schema: %v", err), true
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			output = fmt.Sprintf("tool %s panicked: %v", name, rec)
			isError = true
		}
	}()
	out, err := reg.tool.Handler(ctx, input)
	if err != nil {
		r.logger.Warn("tool returned error", "tool", name, "error", err)
		return err.Error(), true
	}
	return out, false
}
