package models

import "encoding/json"

// ToolDefinition describes one callable tool in OpenAI function shape.
// Parameters is a JSON-Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionTool is the OpenAI wire wrapper for a tool definition.
type FunctionTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

// AsFunctionTool wraps the definition for the chat-completions wire.
func (d ToolDefinition) AsFunctionTool() FunctionTool {
	return FunctionTool{Type: "function", Function: d}
}
