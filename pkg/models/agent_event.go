package models

// AgentEventType discriminates the events an agent run emits alongside model
// chunks.
type AgentEventType string

const (
	// EventChunk carries an OpenAI-shape model delta.
	EventChunk AgentEventType = "chunk"

	// EventToolResult carries one streaming increment of a tool execution.
	EventToolResult AgentEventType = "tool_result"

	// EventToolMessages carries the assistant-with-tool-calls and tool
	// messages produced by one round of tool execution, in model-compatible
	// shape.
	EventToolMessages AgentEventType = "tool_messages"

	// EventAgentDone signals run termination. At most one per run, always
	// the last event before the stream closes.
	EventAgentDone AgentEventType = "agent_done"

	// EventError wraps an unexpected failure. The stream still terminates
	// cleanly after it.
	EventError AgentEventType = "error"
)

// DoneReason explains why an agent run terminated.
type DoneReason string

const (
	// DoneIdle means the model invoked the idle tool.
	DoneIdle DoneReason = "idle"

	// DoneTextResponse means the model answered with text and no tool calls.
	DoneTextResponse DoneReason = "text_response"

	// DoneMaxIterations means the safety bound on loop iterations was hit.
	DoneMaxIterations DoneReason = "max_iterations"
)

// AgentDone is the payload of the terminal agent_done event.
type AgentDone struct {
	Type         string     `json:"type"`
	Reason       DoneReason `json:"reason"`
	FinalContent string     `json:"final_content,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Iteration    int        `json:"iteration"`
}

// ToolResultEvent is the payload of a tool_result event.
type ToolResultEvent struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Delta      string `json:"delta"`
	IsComplete bool   `json:"is_complete"`
}

// ToolMessagesEvent is the payload of a tool_messages event.
type ToolMessagesEvent struct {
	Type     string     `json:"type"`
	Messages []*Message `json:"messages"`
}

// ErrorEvent is the payload of an error event.
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// AgentEvent is the tagged union streamed by an agent run. Exactly one
// payload field is set, matching Type.
type AgentEvent struct {
	Type AgentEventType

	Chunk        *CompletionChunk
	ToolResult   *ToolResultEvent
	ToolMessages *ToolMessagesEvent
	Done         *AgentDone
	Err          *ErrorEvent
}

// NewChunkEvent wraps a model chunk.
func NewChunkEvent(chunk *CompletionChunk) *AgentEvent {
	return &AgentEvent{Type: EventChunk, Chunk: chunk}
}

// NewToolResultEvent wraps one tool execution increment.
func NewToolResultEvent(chunk *ToolResultChunk) *AgentEvent {
	return &AgentEvent{Type: EventToolResult, ToolResult: &ToolResultEvent{
		Type:       string(EventToolResult),
		ToolCallID: chunk.ToolCallID,
		ToolName:   chunk.ToolName,
		Delta:      chunk.Delta,
		IsComplete: chunk.IsComplete,
	}}
}

// NewToolMessagesEvent wraps a round of tool-call bookkeeping messages.
func NewToolMessagesEvent(messages []*Message) *AgentEvent {
	return &AgentEvent{Type: EventToolMessages, ToolMessages: &ToolMessagesEvent{
		Type:     string(EventToolMessages),
		Messages: messages,
	}}
}

// NewDoneEvent wraps the terminal event of a run.
func NewDoneEvent(done *AgentDone) *AgentEvent {
	done.Type = string(EventAgentDone)
	return &AgentEvent{Type: EventAgentDone, Done: done}
}

// NewErrorEvent wraps an unexpected failure.
func NewErrorEvent(message, errorType string) *AgentEvent {
	return &AgentEvent{Type: EventError, Err: &ErrorEvent{
		Type:      string(EventError),
		Message:   message,
		ErrorType: errorType,
	}}
}

// Payload returns the JSON-marshalable body of the event.
func (e *AgentEvent) Payload() any {
	switch e.Type {
	case EventChunk:
		return e.Chunk
	case EventToolResult:
		return e.ToolResult
	case EventToolMessages:
		return e.ToolMessages
	case EventAgentDone:
		return e.Done
	case EventError:
		return e.Err
	default:
		return nil
	}
}
