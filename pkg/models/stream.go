package models

// FunctionDelta is a partial update to a tool call's function body. Name and
// ThoughtSignature replace on arrival (last write wins); Arguments deltas
// append in order.
type FunctionDelta struct {
	Name             string `json:"name,omitempty"`
	Arguments        string `json:"arguments,omitempty"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ToolCallDelta is a partial tool call carried by a streaming chunk. Index
// identifies which in-progress call the delta belongs to.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// StreamChunk is one streaming increment from a model provider. Any subset
// of the fields may be set.
type StreamChunk struct {
	ID           string          `json:"id,omitempty"`
	Model        string          `json:"model,omitempty"`
	Role         Role            `json:"role,omitempty"`
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ChunkDelta is the delta body of an OpenAI-shape stream event.
type ChunkDelta struct {
	Role      Role            `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ChunkChoice is one choice of an OpenAI-shape stream event.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// CompletionChunk is the OpenAI chat.completion.chunk wire shape the runtime
// forwards to SSE consumers and that the thread recorder reassembles
// messages from.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// OpenAIChunk converts the provider chunk into the wire shape forwarded to
// callers, stamping object and created.
func (c *StreamChunk) OpenAIChunk(created int64) *CompletionChunk {
	return &CompletionChunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   c.Model,
		Choices: []ChunkChoice{{
			Delta: ChunkDelta{
				Role:      c.Role,
				Content:   c.Content,
				ToolCalls: c.ToolCalls,
			},
			FinishReason: c.FinishReason,
		}},
	}
}

// ToolResultChunk is one streaming increment of a tool execution. The final
// chunk per call has IsComplete set and may carry an empty delta.
type ToolResultChunk struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Delta      string `json:"delta"`
	IsComplete bool   `json:"is_complete"`
}

// ToolResult is the collected, non-streaming result of a tool execution.
type ToolResult struct {
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	ToolName string `json:"tool_name"`
}
