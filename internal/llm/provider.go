// Package llm drives model providers behind a single streaming contract.
//
// The primary implementation is GatewayProvider, which speaks an
// OpenAI-compatible chat-completions wire to a model gateway and routes
// between provider families with per-family virtual keys. Direct SDK
// providers for the Anthropic and Google families exist for local
// development, bypassing the gateway.
package llm

import (
	"context"

	"github.com/haasonsaas/agentd/pkg/models"
)

// Request is a completion request in canonical message shape.
type Request struct {
	Model       string
	Messages    []*models.Message
	Tools       []models.ToolDefinition
	Temperature *float32
	MaxTokens   int
	Stop        []string
}

// StreamEvent is one item of a completion stream. Errors are carried as
// values so a consumer can buffer the stream without losing late failures;
// Err is non-nil on the final event of a failed stream.
type StreamEvent struct {
	Chunk *models.StreamChunk
	Err   error
}

// Provider produces completions for canonical messages.
//
// StreamCompletion returns a channel that yields chunks as they become
// observable and closes when the stream is done. The channel is closed after
// an event with Err set; no further events follow it. Completion collects
// the full response into a single synthesized chunk.
type Provider interface {
	StreamCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error)
	Completion(ctx context.Context, req *Request) (*models.StreamChunk, error)
}

// CollectStream drains a stream into one synthesized chunk, concatenating
// content and merging tool-call deltas. Used to implement Completion on top
// of StreamCompletion.
func CollectStream(events <-chan StreamEvent) (*models.StreamChunk, error) {
	acc := NewChunkAccumulator()
	final := &models.StreamChunk{}
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		c := ev.Chunk
		if c == nil {
			continue
		}
		if c.ID != "" {
			final.ID = c.ID
		}
		if c.Model != "" {
			final.Model = c.Model
		}
		if c.Role != "" {
			final.Role = c.Role
		}
		if c.FinishReason != "" {
			final.FinishReason = c.FinishReason
		}
		acc.Add(c)
	}
	final.Content = acc.Content()
	for _, tc := range acc.ToolCalls() {
		final.ToolCalls = append(final.ToolCalls, models.ToolCallDelta{
			Index: len(final.ToolCalls),
			ID:    tc.ID,
			Type:  tc.Type,
			Function: models.FunctionDelta{
				Name:             tc.Function.Name,
				Arguments:        tc.Function.Arguments,
				ThoughtSignature: tc.Function.ThoughtSignature,
			},
		})
	}
	return final, nil
}
