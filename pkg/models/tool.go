package models

import "encoding/json"

// ToolDefinition describes a callable tool as advertised to the model.
// InputSchema is a JSON Schema object for the tool's input.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
