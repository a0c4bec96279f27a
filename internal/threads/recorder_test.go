package threads

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentd/pkg/models"
)

func chunkEvent(delta models.ChunkDelta, finish string) *models.AgentEvent {
	return models.NewChunkEvent(&models.CompletionChunk{
		ID:      "cmpl-1",
		Object:  "chat.completion.chunk",
		Choices: []models.ChunkChoice{{Delta: delta, FinishReason: finish}},
	})
}

func newRecorderWithThread(t *testing.T) (*Recorder, *MemoryStore, string) {
	t.Helper()
	store := NewMemoryStore()
	thread, err := store.CreateThread(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	return NewRecorder(store, thread.ID, nil), store, thread.ID
}

func TestRecorderAssemblesTextTurn(t *testing.T) {
	recorder, store, threadID := newRecorderWithThread(t)
	ctx := context.Background()

	recorder.Observe(ctx, chunkEvent(models.ChunkDelta{Role: models.RoleAssistant, Content: "Hel"}, ""))
	recorder.Observe(ctx, chunkEvent(models.ChunkDelta{Content: "lo"}, "stop"))

	saved, _ := store.GetThreadMessages(ctx, threadID, 0, true)
	if len(saved) != 1 {
		t.Fatalf("saved = %d messages", len(saved))
	}
	if saved[0].Role != models.RoleAssistant || saved[0].TextContent() != "Hello" {
		t.Fatalf("saved[0] = %+v", saved[0])
	}
}

func TestRecorderAssemblesToolCallTurn(t *testing.T) {
	recorder, store, threadID := newRecorderWithThread(t)
	ctx := context.Background()

	recorder.Observe(ctx, chunkEvent(models.ChunkDelta{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCallDelta{{
			Index: 0, ID: "c1", Type: "function",
			Function: models.FunctionDelta{Name: "get_weather", Arguments: `{"loc`, ThoughtSignature: "sig-bytes"},
		}},
	}, ""))
	recorder.Observe(ctx, chunkEvent(models.ChunkDelta{
		ToolCalls: []models.ToolCallDelta{{
			Index:    0,
			Function: models.FunctionDelta{Arguments: `ation":"Tokyo"}`},
		}},
	}, "tool_calls"))

	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{
		ToolCallID: "c1", ToolName: "get_weather", Delta: "Tokyo: ",
	}))
	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{
		ToolCallID: "c1", ToolName: "get_weather", Delta: "sunny", IsComplete: true,
	}))

	saved, _ := store.GetThreadMessages(ctx, threadID, 0, true)
	if len(saved) != 2 {
		t.Fatalf("saved = %d messages", len(saved))
	}

	assistant := saved[0]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d", len(assistant.ToolCalls))
	}
	tc := assistant.ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Arguments != `{"location":"Tokyo"}` {
		t.Fatalf("tool call = %+v", tc)
	}
	if tc.Function.ThoughtSignature != "sig-bytes" {
		t.Fatalf("thought signature not preserved on saved message")
	}

	toolMsg := saved[1]
	if toolMsg.Role != models.RoleTool || toolMsg.ToolCallID != "c1" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if toolMsg.TextContent() != "Tokyo: sunny" {
		t.Fatalf("tool content = %q", toolMsg.TextContent())
	}

	// The saved pair is sanitizer-clean.
	if got := Sanitize(saved); len(got) != 2 {
		t.Fatalf("saved messages are not sanitizer-clean")
	}
}

func TestRecorderSkipsDuplicateFinalContent(t *testing.T) {
	recorder, store, threadID := newRecorderWithThread(t)
	ctx := context.Background()

	recorder.Observe(ctx, chunkEvent(models.ChunkDelta{Role: models.RoleAssistant, Content: "Hello"}, "stop"))
	recorder.Observe(ctx, models.NewDoneEvent(&models.AgentDone{
		Reason:       models.DoneTextResponse,
		FinalContent: "Hello",
	}))

	saved, _ := store.GetThreadMessages(ctx, threadID, 0, true)
	if len(saved) != 1 {
		t.Fatalf("final content saved twice: %d messages", len(saved))
	}
}

func TestRecorderSavesNovelFinalContent(t *testing.T) {
	recorder, store, threadID := newRecorderWithThread(t)
	ctx := context.Background()

	recorder.Observe(ctx, models.NewDoneEvent(&models.AgentDone{
		Reason:       models.DoneIdle,
		FinalContent: "wrap-up",
	}))

	saved, _ := store.GetThreadMessages(ctx, threadID, 0, true)
	if len(saved) != 1 || saved[0].TextContent() != "wrap-up" {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestRecorderInterleavedToolResults(t *testing.T) {
	recorder, store, threadID := newRecorderWithThread(t)
	ctx := context.Background()

	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{ToolCallID: "a", ToolName: "x", Delta: "1"}))
	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{ToolCallID: "b", ToolName: "y", Delta: "2"}))
	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{ToolCallID: "b", ToolName: "y", IsComplete: true}))
	recorder.Observe(ctx, models.NewToolResultEvent(&models.ToolResultChunk{ToolCallID: "a", ToolName: "x", Delta: "3", IsComplete: true}))

	saved, _ := store.GetThreadMessages(ctx, threadID, 0, true)
	if len(saved) != 2 {
		t.Fatalf("saved = %d", len(saved))
	}
	if saved[0].ToolCallID != "b" || saved[0].TextContent() != "2" {
		t.Fatalf("first completed = %+v", saved[0])
	}
	if saved[1].ToolCallID != "a" || saved[1].TextContent() != "13" {
		t.Fatalf("second completed = %+v", saved[1])
	}
}
