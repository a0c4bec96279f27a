package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/agentd/internal/compaction"
	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/internal/tools"
	"github.com/haasonsaas/agentd/pkg/models"
)

// scriptedProvider plays back one chunk script (or error) per iteration.
type scriptedTurn struct {
	chunks []*models.StreamChunk
	err    error
}

type scriptedProvider struct {
	turns []scriptedTurn
	call  int

	// seen records the message list of every call, for assertions.
	seen [][]*models.Message
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if p.call >= len(p.turns) {
		return nil, fmt.Errorf("unexpected completion call %d", p.call)
	}
	turn := p.turns[p.call]
	p.call++
	p.seen = append(p.seen, append([]*models.Message(nil), req.Messages...))

	out := make(chan llm.StreamEvent, len(turn.chunks)+1)
	if turn.err != nil {
		out <- llm.StreamEvent{Err: turn.err}
		close(out)
		return out, nil
	}
	for _, chunk := range turn.chunks {
		out <- llm.StreamEvent{Chunk: chunk}
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.Request) (*models.StreamChunk, error) {
	events, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.CollectStream(events)
}

func textChunks(parts ...string) []*models.StreamChunk {
	chunks := make([]*models.StreamChunk, 0, len(parts)+1)
	for i, part := range parts {
		chunk := &models.StreamChunk{Content: part}
		if i == 0 {
			chunk.Role = models.RoleAssistant
		}
		chunks = append(chunks, chunk)
	}
	chunks = append(chunks, &models.StreamChunk{FinishReason: "stop"})
	return chunks
}

func toolCallChunks(callID, name, arguments string) []*models.StreamChunk {
	return []*models.StreamChunk{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCallDelta{{
			Index: 0, ID: callID, Type: "function",
			Function: models.FunctionDelta{Name: name},
		}}},
		{ToolCalls: []models.ToolCallDelta{{
			Index:    0,
			Function: models.FunctionDelta{Arguments: arguments},
		}}},
		{FinishReason: "tool_calls"},
	}
}

func newTestLoop(provider llm.Provider, registry *tools.Registry, compactor compaction.Compactor) *Loop {
	if registry == nil {
		registry = tools.NewRegistry(nil)
	}
	EnsureIdleTool(registry)
	return NewLoop(provider, tools.NewExecutor(registry, nil), compactor, nil, nil, nil)
}

func drain(t *testing.T, events <-chan *models.AgentEvent) []*models.AgentEvent {
	t.Helper()
	var out []*models.AgentEvent
	for event := range events {
		out = append(out, event)
	}
	if len(out) == 0 {
		t.Fatalf("run produced no events")
	}
	return out
}

func userMsg(text string) []*models.Message {
	return []*models.Message{{Role: models.RoleUser, Content: models.NewTextContent(text)}}
}

func TestLoopPureTextResponse(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{chunks: textChunks("Hel", "lo")}}}
	loop := newTestLoop(provider, nil, nil)

	events, err := loop.Run(t.Context(), userMsg("hi"), LoopConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)

	last := got[len(got)-1]
	if last.Type != models.EventAgentDone {
		t.Fatalf("last event = %v", last.Type)
	}
	if last.Done.Reason != models.DoneTextResponse || last.Done.FinalContent != "Hello" || last.Done.Iteration != 0 {
		t.Fatalf("done = %+v", last.Done)
	}

	// Model deltas forwarded verbatim, role on the first.
	var chunkEvents []*models.AgentEvent
	for _, ev := range got {
		if ev.Type == models.EventChunk {
			chunkEvents = append(chunkEvents, ev)
		}
	}
	if len(chunkEvents) < 2 {
		t.Fatalf("chunk events = %d", len(chunkEvents))
	}
	if chunkEvents[0].Chunk.Choices[0].Delta.Role != models.RoleAssistant {
		t.Fatalf("first chunk lacks role")
	}
}

func TestLoopSingleToolThenIdle(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{chunks: toolCallChunks("c1", "get_weather", `{"location":"Tokyo"}`)},
		{chunks: toolCallChunks("c2", "idle", `{"summary":"done"}`)},
	}}

	registry := tools.NewRegistry(nil)
	var gotArgs map[string]any
	_ = registry.RegisterLocal(models.ToolDefinition{Name: "get_weather"}, &tools.LocalHandler{
		Stream: func(ctx context.Context, args map[string]any) (<-chan string, error) {
			gotArgs = args
			out := make(chan string, 2)
			out <- "Tokyo: "
			out <- "sunny"
			close(out)
			return out, nil
		},
	})
	loop := newTestLoop(provider, registry, nil)

	events, err := loop.Run(t.Context(), userMsg("weather in tokyo?"), LoopConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)

	if gotArgs["location"] != "Tokyo" {
		t.Fatalf("tool args = %v", gotArgs)
	}

	// tool_result events for c1: two deltas then a completion, in order.
	var c1 []*models.ToolResultEvent
	var c2 []*models.ToolResultEvent
	for _, ev := range got {
		if ev.Type == models.EventToolResult {
			switch ev.ToolResult.ToolCallID {
			case "c1":
				c1 = append(c1, ev.ToolResult)
			case "c2":
				c2 = append(c2, ev.ToolResult)
			}
		}
	}
	if len(c1) != 3 || c1[0].Delta != "Tokyo: " || c1[1].Delta != "sunny" || !c1[2].IsComplete {
		t.Fatalf("c1 events = %+v", c1)
	}
	if len(c2) != 1 || !c2[0].IsComplete || !strings.Contains(c2[0].Delta, `"status":"idle"`) {
		t.Fatalf("c2 events = %+v", c2)
	}

	last := got[len(got)-1]
	if last.Done == nil || last.Done.Reason != models.DoneIdle || last.Done.Summary != "done" || last.Done.Iteration != 1 {
		t.Fatalf("done = %+v", last.Done)
	}

	// agent_done is emitted exactly once and is last.
	doneCount := 0
	for _, ev := range got {
		if ev.Type == models.EventAgentDone {
			doneCount++
		}
	}
	if doneCount != 1 {
		t.Fatalf("agent_done count = %d", doneCount)
	}

	// Iteration 1's request carries the assistant and tool messages of
	// iteration 0, in call order.
	second := provider.seen[1]
	var roles []models.Role
	for _, msg := range second {
		roles = append(roles, msg.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool}
	for i, role := range want {
		if roles[i] != role {
			t.Fatalf("iteration 1 messages roles = %v", roles)
		}
	}
	if second[2].TextContent() != "Tokyo: sunny" {
		t.Fatalf("tool message content = %q", second[2].TextContent())
	}
}

func TestLoopToolErrorDoesNotAbort(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{chunks: toolCallChunks("c1", "broken", `{}`)},
		{chunks: textChunks("recovered")},
	}}

	registry := tools.NewRegistry(nil)
	_ = registry.RegisterLocal(models.ToolDefinition{Name: "broken"}, &tools.LocalHandler{
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("tool exploded")
		},
	})
	loop := newTestLoop(provider, registry, nil)

	events, err := loop.Run(t.Context(), userMsg("go"), LoopConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)

	last := got[len(got)-1]
	if last.Done == nil || last.Done.Reason != models.DoneTextResponse {
		t.Fatalf("run should continue past tool errors: %+v", last)
	}
	// The error surfaced as a tool_result chunk.
	found := false
	for _, ev := range got {
		if ev.Type == models.EventToolResult && strings.HasPrefix(ev.ToolResult.Delta, "Error: ") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no error tool_result emitted")
	}
}

func TestLoopUnknownToolRecovered(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{chunks: toolCallChunks("c1", "ghost", `{}`)},
		{chunks: textChunks("ok")},
	}}
	loop := newTestLoop(provider, nil, nil)

	events, err := loop.Run(t.Context(), userMsg("go"), LoopConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)
	if got[len(got)-1].Done == nil {
		t.Fatalf("run did not complete")
	}
}

func TestLoopMaxIterations(t *testing.T) {
	turns := make([]scriptedTurn, 3)
	for i := range turns {
		turns[i] = scriptedTurn{chunks: toolCallChunks(fmt.Sprintf("c%d", i), "noop", `{}`)}
	}
	provider := &scriptedProvider{turns: turns}

	registry := tools.NewRegistry(nil)
	_ = registry.RegisterLocal(models.ToolDefinition{Name: "noop"}, &tools.LocalHandler{
		Call: func(ctx context.Context, args map[string]any) (string, error) { return "done", nil },
	})
	loop := newTestLoop(provider, registry, nil)

	events, err := loop.Run(t.Context(), userMsg("loop forever"), LoopConfig{Model: "gpt-4o", MaxIterations: 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)
	last := got[len(got)-1]
	if last.Done == nil || last.Done.Reason != models.DoneMaxIterations || last.Done.Iteration != 3 {
		t.Fatalf("done = %+v", last.Done)
	}
}

type countingCompactor struct {
	calls int
}

func (c *countingCompactor) Compact(ctx context.Context, messages []*models.Message, systemPrompt, model string) ([]*models.Message, error) {
	c.calls++
	// Keep only the last message to "fit".
	return messages[len(messages)-1:], nil
}

func TestLoopCompactionRetry(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: fmt.Errorf("prompt is too long: 220000 tokens > 200000 maximum")},
		{chunks: textChunks("ok")},
	}}
	compactor := &countingCompactor{}
	loop := newTestLoop(provider, nil, compactor)

	events, err := loop.Run(t.Context(), userMsg("huge"), LoopConfig{Model: "claude-opus-4"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)

	if compactor.calls != 1 {
		t.Fatalf("compactor calls = %d", compactor.calls)
	}
	// No error event forwarded; the run completes normally at iteration 0.
	for _, ev := range got {
		if ev.Type == models.EventError {
			t.Fatalf("error event leaked: %+v", ev.Err)
		}
	}
	last := got[len(got)-1]
	if last.Done == nil || last.Done.Reason != models.DoneTextResponse || last.Done.Iteration != 0 {
		t.Fatalf("done = %+v", last.Done)
	}
}

func TestLoopSecondOverflowPropagates(t *testing.T) {
	overflow := fmt.Errorf("context_length_exceeded")
	provider := &scriptedProvider{turns: []scriptedTurn{
		{err: overflow},
		{err: overflow},
	}}
	compactor := &countingCompactor{}
	loop := newTestLoop(provider, nil, compactor)

	events, err := loop.Run(t.Context(), userMsg("huge"), LoopConfig{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := drain(t, events)

	if compactor.calls != 1 {
		t.Fatalf("compaction must run at most once, ran %d times", compactor.calls)
	}
	last := got[len(got)-1]
	if last.Type != models.EventError {
		t.Fatalf("second overflow should surface as error, got %v", last.Type)
	}
}

func TestLoopPrependsSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{turns: []scriptedTurn{{chunks: textChunks("hi")}}}
	loop := newTestLoop(provider, nil, nil)

	events, err := loop.Run(t.Context(), userMsg("hello"), LoopConfig{Model: "gpt-4o", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	drain(t, events)

	first := provider.seen[0][0]
	if first.Role != models.RoleSystem || first.TextContent() != "be brief" {
		t.Fatalf("system prompt not prepended: %+v", first)
	}

	// An existing leading system message is not duplicated.
	provider2 := &scriptedProvider{turns: []scriptedTurn{{chunks: textChunks("hi")}}}
	loop2 := newTestLoop(provider2, nil, nil)
	msgs := append([]*models.Message{{Role: models.RoleSystem, Content: models.NewTextContent("existing")}}, userMsg("x")...)
	events2, _ := loop2.Run(t.Context(), msgs, LoopConfig{Model: "gpt-4o", SystemPrompt: "ignored"})
	drain(t, events2)
	if len(provider2.seen[0]) != 2 || provider2.seen[0][0].TextContent() != "existing" {
		t.Fatalf("leading system message displaced: %+v", provider2.seen[0])
	}
}

func TestLoopEmptyMessagesRejected(t *testing.T) {
	loop := newTestLoop(&scriptedProvider{}, nil, nil)
	_, err := loop.Run(t.Context(), nil, LoopConfig{Model: "gpt-4o"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("err type = %T", err)
	}
}
