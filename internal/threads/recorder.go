package threads

import (
	"context"
	"log/slog"
	"sort"

	"github.com/haasonsaas/agentd/pkg/models"
)

// Recorder reassembles durable messages from an agent run's event stream
// and saves them to the store as they complete. Assistant turns are rebuilt
// from OpenAI-shape chunk deltas; tool messages from tool_result events.
//
// A finish_reason of "tool_calls" closes an assistant turn carrying tool
// calls; "stop" with accumulated content closes a text turn. Each turn is
// saved exactly once. The terminal agent_done's final content is saved only
// when it is not already the last saved assistant message.
type Recorder struct {
	store    Store
	threadID string
	logger   *slog.Logger

	content string
	calls   map[int]*models.ToolCall

	toolBuf  map[string]*toolAccum
	lastSave string
}

type toolAccum struct {
	name    string
	content string
}

// NewRecorder creates a recorder that persists into threadID.
func NewRecorder(store Store, threadID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		threadID: threadID,
		logger:   logger.With("component", "threads.recorder", "thread_id", threadID),
		calls:    map[int]*models.ToolCall{},
		toolBuf:  map[string]*toolAccum{},
	}
}

// Observe feeds one event of the run's stream into the recorder. Persistence
// failures are logged, not returned: recording must never break the
// client-facing stream.
func (r *Recorder) Observe(ctx context.Context, event *models.AgentEvent) {
	switch event.Type {
	case models.EventChunk:
		r.observeChunk(ctx, event.Chunk)
	case models.EventToolResult:
		r.observeToolResult(ctx, event.ToolResult)
	case models.EventAgentDone:
		r.observeDone(ctx, event.Done)
	}
}

func (r *Recorder) observeChunk(ctx context.Context, chunk *models.CompletionChunk) {
	if chunk == nil || len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	r.content += choice.Delta.Content
	for _, delta := range choice.Delta.ToolCalls {
		call, ok := r.calls[delta.Index]
		if !ok {
			call = &models.ToolCall{Type: "function"}
			r.calls[delta.Index] = call
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

	switch choice.FinishReason {
	case "tool_calls":
		msg := &models.Message{Role: models.RoleAssistant, ToolCalls: r.drainCalls()}
		if r.content != "" {
			msg.Content = models.NewTextContent(r.content)
		}
		r.save(ctx, msg)
		r.reset()
	case "stop":
		if r.content != "" {
			r.save(ctx, &models.Message{
				Role:    models.RoleAssistant,
				Content: models.NewTextContent(r.content),
			})
			r.lastSave = r.content
		}
		r.reset()
	}
}

func (r *Recorder) observeToolResult(ctx context.Context, result *models.ToolResultEvent) {
	if result == nil {
		return
	}
	buf, ok := r.toolBuf[result.ToolCallID]
	if !ok {
		buf = &toolAccum{name: result.ToolName}
		r.toolBuf[result.ToolCallID] = buf
	}
	buf.content += result.Delta
	if result.ToolName != "" {
		buf.name = result.ToolName
	}
	if !result.IsComplete {
		return
	}
	delete(r.toolBuf, result.ToolCallID)
	r.save(ctx, &models.Message{
		Role:       models.RoleTool,
		Content:    models.NewTextContent(buf.content),
		ToolCallID: result.ToolCallID,
		Name:       buf.name,
	})
}

func (r *Recorder) observeDone(ctx context.Context, done *models.AgentDone) {
	if done == nil || done.FinalContent == "" {
		return
	}
	// Content equality is the dedup key here; identical human-authored
	// content could in principle collide, which is acceptable for this
	// system.
	if done.FinalContent == r.lastSave {
		return
	}
	r.save(ctx, &models.Message{
		Role:    models.RoleAssistant,
		Content: models.NewTextContent(done.FinalContent),
	})
	r.lastSave = done.FinalContent
}

func (r *Recorder) drainCalls() []models.ToolCall {
	if len(r.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(r.calls))
	for i := range r.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *r.calls[i])
	}
	return out
}

func (r *Recorder) reset() {
	r.content = ""
	r.calls = map[int]*models.ToolCall{}
}

func (r *Recorder) save(ctx context.Context, msg *models.Message) {
	if err := r.store.AddMessage(ctx, r.threadID, msg); err != nil {
		r.logger.Error("failed to persist message", "role", msg.Role, "error", err)
	}
}
