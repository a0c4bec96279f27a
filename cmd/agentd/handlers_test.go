package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/internal/threads"
	"github.com/haasonsaas/agentd/pkg/models"
)

// staticProvider streams a fixed text answer for every call.
type staticProvider struct {
	text string
}

func (p *staticProvider) StreamCompletion(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	out := make(chan llm.StreamEvent, 2)
	out <- llm.StreamEvent{Chunk: &models.StreamChunk{Role: models.RoleAssistant, Content: p.text}}
	out <- llm.StreamEvent{Chunk: &models.StreamChunk{FinishReason: "stop"}}
	close(out)
	return out, nil
}

func (p *staticProvider) Completion(ctx context.Context, req *llm.Request) (*models.StreamChunk, error) {
	events, _ := p.StreamCompletion(ctx, req)
	return llm.CollectStream(events)
}

func newTestServer(t *testing.T) (*httptest.Server, *threads.MemoryStore) {
	t.Helper()
	store := threads.NewMemoryStore()
	session := agent.NewSession(agent.SessionConfig{DefaultModel: "gpt-4o"},
		&staticProvider{text: "hello from agentd"}, nil, nil, store, nil, nil, nil, nil)
	server := httptest.NewServer(newServer(session, nil).routes())
	t.Cleanup(server.Close)
	return server, store
}

func sseLines(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var lines []string
	buf := make([]byte, 64*1024)
	var raw strings.Builder
	for {
		n, err := resp.Body.Read(buf)
		raw.Write(buf[:n])
		if err != nil {
			break
		}
	}
	for _, line := range strings.Split(raw.String(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	return lines
}

func TestAgentRunEndpointStreams(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/v1/agent/run", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := sseLines(t, resp)
	if len(lines) < 2 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE], got %q", lines[len(lines)-1])
	}

	// agent_done present and last before [DONE].
	var done map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-2]), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done["type"] != "agent_done" || done["reason"] != "text_response" {
		t.Fatalf("done = %v", done)
	}
}

func TestChatCompletionsSuppressesAgentDone(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	lines := sseLines(t, resp)
	for _, line := range lines {
		if strings.Contains(line, `"agent_done"`) {
			t.Fatalf("agent_done leaked into chat completions stream")
		}
	}
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("missing [DONE]")
	}
}

func TestThreadLifecycleEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	// Create.
	resp, err := http.Post(server.URL+"/v1/threads", "application/json",
		strings.NewReader(`{"system_message":"be helpful","user_id":"u1"}`))
	if err != nil {
		t.Fatalf("create error = %v", err)
	}
	var created struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	resp.Body.Close()
	if created.ThreadID == "" {
		t.Fatalf("no thread id")
	}

	// Add a message.
	resp, err = http.Post(fmt.Sprintf("%s/v1/threads/%s/messages", server.URL, created.ThreadID),
		"application/json", strings.NewReader(`{"role":"user","content":"hello"}`))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("add message: %v (status %d)", err, resp.StatusCode)
	}
	resp.Body.Close()

	// Read back.
	resp, err = http.Get(fmt.Sprintf("%s/v1/threads/%s/messages", server.URL, created.ThreadID))
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	var listed struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	resp.Body.Close()
	if len(listed.Messages) != 2 { // system + user
		t.Fatalf("messages = %d", len(listed.Messages))
	}

	// Delete.
	req, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/v1/threads/%s/messages", server.URL, created.ThreadID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	var deleted struct {
		DeletedCount int `json:"deleted_count"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&deleted)
	resp.Body.Close()
	if deleted.DeletedCount != 2 {
		t.Fatalf("deleted_count = %d", deleted.DeletedCount)
	}
}

func TestThreadAgentRunPersists(t *testing.T) {
	server, store := newTestServer(t)

	thread, _ := store.CreateThread(context.Background(), &models.Thread{ID: "t-http"}, "")
	resp, err := http.Post(fmt.Sprintf("%s/v1/threads/%s/agent/run", server.URL, thread.ID),
		"application/json", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	lines := sseLines(t, resp)
	if lines[len(lines)-1] != "[DONE]" {
		t.Fatalf("missing [DONE]")
	}

	saved, _ := store.GetThreadMessages(context.Background(), thread.ID, 0, true)
	if len(saved) != 2 {
		t.Fatalf("saved = %d", len(saved))
	}
	if saved[1].TextContent() != "hello from agentd" {
		t.Fatalf("assistant = %q", saved[1].TextContent())
	}
}

func TestBadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	resp, _ := http.Post(server.URL+"/v1/agent/run", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty messages status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Post(server.URL+"/v1/agent/run", "application/json",
		strings.NewReader(`{"messages":[{"role":"tool","content":"x"}]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed tool message status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestModelsAndHealth(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	var list struct {
		Object string           `json:"object"`
		Data   []map[string]any `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if list.Object != "list" || len(list.Data) == 0 {
		t.Fatalf("models = %+v", list)
	}

	resp, err = http.Get(server.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v (%d)", err, resp.StatusCode)
	}
	resp.Body.Close()
}
