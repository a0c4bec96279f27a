// Package models defines the canonical message, streaming, and event types
// shared by the agent runtime, the tool layer, and the persistence layer.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multi-part message content list. Text parts
// carry Text; image parts keep their original JSON so provider-specific
// fields (detail, source, media type) survive round-trips untouched.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
	Image    json.RawMessage `json:"image,omitempty"`

	// CacheControl is a provider cache hint (e.g. {"type":"ephemeral"}),
	// passed through to the wire untouched.
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// IsImage reports whether the part is an image of either wire flavor.
func (p ContentPart) IsImage() bool {
	return p.Type == "image" || p.Type == "image_url"
}

// MessageContent holds either plain text or a typed part list. On the wire a
// string and a part list are both accepted; marshaling preserves whichever
// form the content was built with.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// NewTextContent wraps plain text as message content.
func NewTextContent(text string) *MessageContent {
	return &MessageContent{Text: text}
}

// NewPartsContent wraps a typed part list as message content.
func NewPartsContent(parts []ContentPart) *MessageContent {
	return &MessageContent{Parts: parts}
}

// AsText flattens the content to a single string. Part lists concatenate
// their text parts; image parts contribute nothing.
func (c *MessageContent) AsText() string {
	if c == nil {
		return ""
	}
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// IsParts reports whether the content is in list-of-parts form.
func (c *MessageContent) IsParts() bool {
	return c != nil && c.Parts != nil
}

// MarshalJSON emits a bare string for text content and an array for parts.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of typed parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither string nor part list: %w", err)
	}
	c.Parts = parts
	c.Text = ""
	return nil
}

// FunctionCall is the function body of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	// ThoughtSignature is an opaque provider token (currently emitted by the
	// Gemini family) that must be preserved verbatim across round-trips of
	// this tool call through accumulation, merging, and persistence. Treat
	// it as an opaque byte string; never parse or mutate it.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is the canonical chat message exchanged with model providers and
// persisted per thread.
type Message struct {
	Role       Role            `json:"role"`
	Content    *MessageContent `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Validate checks well-formedness: a tool message must carry the id of the
// call it answers, and every assistant tool call must have a non-empty id.
func (m *Message) Validate() error {
	if m.Role == RoleTool && m.ToolCallID == "" {
		return errors.New("tool message requires tool_call_id")
	}
	if m.Role == RoleAssistant {
		for i, tc := range m.ToolCalls {
			if tc.ID == "" {
				return fmt.Errorf("assistant tool_calls[%d] has empty id", i)
			}
		}
	}
	return nil
}

// HasToolCalls reports whether the message is an assistant turn that
// requested tool execution.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// TextContent flattens the message content to a single string.
func (m *Message) TextContent() string {
	return m.Content.AsText()
}

// Clone returns a deep copy. Tool calls are copied so a caller mutating the
// clone's arguments cannot corrupt persisted history.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Content != nil {
		c := *m.Content
		if m.Content.Parts != nil {
			c.Parts = append([]ContentPart(nil), m.Content.Parts...)
		}
		clone.Content = &c
	}
	if len(m.ToolCalls) > 0 {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &clone
}

// Thread is a persisted conversation. Messages belonging to a thread are
// totally ordered by creation time, and a thread binds to at most one active
// sandbox at a time.
type Thread struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UserID         string         `json:"user_id,omitempty"`
	KafkaProfileID string         `json:"kafka_profile_id,omitempty"`
	SandboxID      string         `json:"sandbox_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
