package compaction

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/pkg/models"
)

func text(role models.Role, s string) *models.Message {
	return &models.Message{Role: role, Content: models.NewTextContent(s)}
}

func assistantWithCalls(ids ...string) *models.Message {
	msg := &models.Message{Role: models.RoleAssistant}
	for _, id := range ids {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID: id, Type: "function", Function: models.FunctionCall{Name: "t", Arguments: "{}"},
		})
	}
	return msg
}

func toolMsg(callID string) *models.Message {
	return &models.Message{Role: models.RoleTool, ToolCallID: callID, Content: models.NewTextContent("out")}
}

func TestSafeSplitWalksBackOverToolPairs(t *testing.T) {
	messages := []*models.Message{
		text(models.RoleUser, "q1"),
		assistantWithCalls("a"),
		toolMsg("a"),
		text(models.RoleAssistant, "answer"),
		text(models.RoleUser, "q2"),
	}

	// Splitting inside the tool pair moves down to before the assistant.
	if got := SafeSplit(messages, 2); got != 1 {
		t.Fatalf("SafeSplit(2) = %d, want 1", got)
	}
	// Splitting at a clean boundary stays put.
	if got := SafeSplit(messages, 3); got != 3 {
		t.Fatalf("SafeSplit(3) = %d, want 3", got)
	}
	if got := SafeSplit(messages, 0); got != 0 {
		t.Fatalf("SafeSplit(0) = %d", got)
	}
}

func TestSafeSplitConsecutivePairs(t *testing.T) {
	messages := []*models.Message{
		text(models.RoleUser, "q"),
		assistantWithCalls("a"),
		toolMsg("a"),
		assistantWithCalls("b"),
		toolMsg("b"),
	}
	// A split inside either pair lands before that pair's assistant; the
	// boundary between the two pairs is itself safe.
	for k, want := range map[int]int{2: 1, 3: 3, 4: 3} {
		if got := SafeSplit(messages, k); got != want {
			t.Fatalf("SafeSplit(%d) = %d, want %d", k, got, want)
		}
	}
}

func TestValidateDropsOrphansAndEmptyAssistants(t *testing.T) {
	messages := []*models.Message{
		text(models.RoleUser, "q"),
		assistantWithCalls("a"),
		toolMsg("a"),
		toolMsg("ghost"),
		{Role: models.RoleAssistant},
	}

	out := Validate(messages)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	for _, msg := range out {
		if msg.Role == models.RoleTool && msg.ToolCallID == "ghost" {
			t.Fatalf("orphan tool message survived")
		}
	}

	// Idempotent.
	again := Validate(out)
	if len(again) != len(out) {
		t.Fatalf("Validate not idempotent: %d != %d", len(again), len(out))
	}
}

func TestTruncateKeepsTailAndSystem(t *testing.T) {
	messages := []*models.Message{text(models.RoleSystem, "sys")}
	for i := 0; i < 60; i++ {
		messages = append(messages, text(models.RoleUser, fmt.Sprintf("m%d", i)))
	}

	out, err := (&Truncate{KeepLast: 10}).Compact(context.Background(), messages, "", "gpt-4o")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if out[0].Role != models.RoleSystem {
		t.Fatalf("system prefix lost")
	}
	if len(out) != 11 {
		t.Fatalf("len = %d, want 11", len(out))
	}
	if out[len(out)-1].TextContent() != "m59" {
		t.Fatalf("tail = %q", out[len(out)-1].TextContent())
	}
}

type fakeProvider struct {
	summary string
	err     error
	calls   int
}

func (f *fakeProvider) StreamCompletion(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	chunk, err := f.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamEvent, 1)
	ch <- llm.StreamEvent{Chunk: chunk}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Completion(_ context.Context, _ *llm.Request) (*models.StreamChunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.StreamChunk{Content: f.summary, FinishReason: "stop"}, nil
}

func TestSummarizeBuildsHandoffMessage(t *testing.T) {
	provider := &fakeProvider{summary: "- user asked things\n- tools ran"}
	compactor := NewSummarize(provider, nil)

	messages := []*models.Message{text(models.RoleSystem, "sys")}
	for i := 0; i < 20; i++ {
		messages = append(messages, text(models.RoleUser, fmt.Sprintf("m%d", i)))
	}

	out, err := compactor.Compact(context.Background(), messages, "sys", "gpt-4o")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("summarizer calls = %d", provider.calls)
	}
	if out[0].TextContent() != "sys" {
		t.Fatalf("leading system message lost")
	}
	handoff := out[1]
	if handoff.Role != models.RoleSystem {
		t.Fatalf("handoff role = %v", handoff.Role)
	}
	if !strings.Contains(handoff.TextContent(), "[CONVERSATION HANDOFF — 15 messages summarized]") {
		t.Fatalf("handoff header missing: %q", handoff.TextContent())
	}
	if !strings.Contains(handoff.TextContent(), "tools ran") {
		t.Fatalf("summary body missing")
	}
	if string(handoff.Content.Parts[0].CacheControl) != `{"type":"ephemeral"}` {
		t.Fatalf("ephemeral cache hint missing")
	}
	// 75% of 20 = split at 15; suffix of 5 survives.
	if len(out) != 1+1+5 {
		t.Fatalf("len = %d", len(out))
	}
}

func TestSummarizeSkipsShortConversations(t *testing.T) {
	provider := &fakeProvider{summary: "unused"}
	compactor := NewSummarize(provider, nil)

	messages := []*models.Message{text(models.RoleUser, "hi")}
	out, err := compactor.Compact(context.Background(), messages, "", "gpt-4o")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if len(out) != 1 || provider.calls != 0 {
		t.Fatalf("short conversation should be untouched")
	}
}

func TestSummarizeFallsBackToTruncation(t *testing.T) {
	provider := &fakeProvider{err: fmt.Errorf("boom")}
	compactor := NewSummarize(provider, nil)
	compactor.Fallback = &Truncate{KeepLast: 5}

	var messages []*models.Message
	for i := 0; i < 20; i++ {
		messages = append(messages, text(models.RoleUser, fmt.Sprintf("m%d", i)))
	}

	out, err := compactor.Compact(context.Background(), messages, "", "gpt-4o")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("fallback len = %d, want 5", len(out))
	}
}

func TestSummarizeNeverSplitsToolPairs(t *testing.T) {
	provider := &fakeProvider{summary: "sum"}
	compactor := NewSummarize(provider, nil)

	var messages []*models.Message
	for i := 0; i < 12; i++ {
		messages = append(messages, text(models.RoleUser, fmt.Sprintf("m%d", i)))
	}
	// Tool pair just after the 75% point (split target index 11 of 15).
	messages = append(messages, assistantWithCalls("a"), toolMsg("a"), text(models.RoleUser, "end"))

	out, err := compactor.Compact(context.Background(), messages, "", "gpt-4o")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	// Every tool message in the output must be satisfied by an earlier
	// assistant tool call.
	valid := map[string]bool{}
	for _, msg := range out {
		if msg.Role == models.RoleAssistant {
			for _, tc := range msg.ToolCalls {
				valid[tc.ID] = true
			}
		}
		if msg.Role == models.RoleTool && !valid[msg.ToolCallID] {
			t.Fatalf("tool pair split by compaction")
		}
	}
}
