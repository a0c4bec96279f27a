package llm

import (
	"sort"

	"github.com/haasonsaas/agentd/pkg/models"
)

// ChunkAccumulator reassembles streaming deltas into complete content and
// tool calls. Tool-call deltas merge by index: id, type, function name, and
// thought signature are last-write-wins; argument fragments append in
// arrival order.
type ChunkAccumulator struct {
	content string
	calls   map[int]*models.ToolCall
}

// NewChunkAccumulator returns an empty accumulator.
func NewChunkAccumulator() *ChunkAccumulator {
	return &ChunkAccumulator{calls: map[int]*models.ToolCall{}}
}

// Add merges one streaming chunk into the accumulator.
func (a *ChunkAccumulator) Add(chunk *models.StreamChunk) {
	if chunk == nil {
		return
	}
	a.content += chunk.Content
	for _, delta := range chunk.ToolCalls {
		call, ok := a.calls[delta.Index]
		if !ok {
			call = &models.ToolCall{Type: "function"}
			a.calls[delta.Index] = call
		}
		if delta.ID != "" {
			call.ID = delta.ID
		}
		if delta.Type != "" {
			call.Type = delta.Type
		}
		if delta.Function.Name != "" {
			call.Function.Name = delta.Function.Name
		}
		call.Function.Arguments += delta.Function.Arguments
		if delta.Function.ThoughtSignature != "" {
			call.Function.ThoughtSignature = delta.Function.ThoughtSignature
		}
	}
}

// Content returns the accumulated text so far.
func (a *ChunkAccumulator) Content() string {
	return a.content
}

// HasToolCalls reports whether any tool-call delta has arrived.
func (a *ChunkAccumulator) HasToolCalls() bool {
	return len(a.calls) > 0
}

// ToolCalls materializes the accumulated calls ordered by stream index.
func (a *ChunkAccumulator) ToolCalls() []models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *a.calls[i])
	}
	return out
}
