package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/agentd/pkg/models"
)

func userMessages(text string) []*models.Message {
	return []*models.Message{{Role: models.RoleUser, Content: models.NewTextContent(text)}}
}

func TestGatewayStreamCompletion(t *testing.T) {
	var gotHeaders http.Header
	var gotBody wireRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider := NewGatewayProvider(GatewayConfig{
		BaseURL: server.URL,
		APIKey:  "pk-key",
		VirtualKeys: map[string]string{
			"openai": "vk-openai",
		},
	}, nil)

	events, err := provider.StreamCompletion(t.Context(), &Request{
		Model:    "gpt-4o",
		Messages: userMessages("hi"),
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	var content string
	var finish string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		content += ev.Chunk.Content
		if ev.Chunk.FinishReason != "" {
			finish = ev.Chunk.FinishReason
		}
	}
	if content != "Hello" || finish != "stop" {
		t.Fatalf("content = %q, finish = %q", content, finish)
	}

	if gotHeaders.Get("x-portkey-api-key") != "pk-key" {
		t.Fatalf("api key header missing")
	}
	if gotHeaders.Get("x-portkey-virtual-key") != "vk-openai" {
		t.Fatalf("virtual key header = %q", gotHeaders.Get("x-portkey-virtual-key"))
	}
	if gotHeaders.Get("x-portkey-strict-open-ai-compliance") != "false" {
		t.Fatalf("strict compliance must be disabled")
	}
	if !gotBody.Stream {
		t.Fatalf("expected streaming request")
	}
}

func TestGatewayGoogleFamilyGoesNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("gemini family must be requested non-streaming")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-2","model":"gemini-2.0-flash","choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"run","arguments":"{}","thought_signature":"opaque-sig"}}]},"finish_reason":"tool_calls"}]}`)
	}))
	defer server.Close()

	provider := NewGatewayProvider(GatewayConfig{BaseURL: server.URL}, nil)
	events, err := provider.StreamCompletion(t.Context(), &Request{
		Model:    "gemini-2.0-flash",
		Messages: userMessages("go"),
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}

	var chunks []*models.StreamChunk
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream error: %v", ev.Err)
		}
		chunks = append(chunks, ev.Chunk)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected one synthesized chunk, got %d", len(chunks))
	}
	tc := chunks[0].ToolCalls[0]
	if tc.Function.ThoughtSignature != "opaque-sig" {
		t.Fatalf("thought signature lost: %+v", tc)
	}
	if chunks[0].FinishReason != "tool_calls" {
		t.Fatalf("finish = %q", chunks[0].FinishReason)
	}
}

func TestGatewayTokenLimitDiscipline(t *testing.T) {
	var got wireRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	provider := NewGatewayProvider(GatewayConfig{BaseURL: server.URL}, nil)

	// gpt-5 family maps max_tokens to max_completion_tokens.
	if _, err := provider.Completion(t.Context(), &Request{Model: "gpt-5-turbo", Messages: userMessages("x"), MaxTokens: 100}); err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if got.MaxTokens != 0 || got.MaxCompletionTokens != 100 {
		t.Fatalf("gpt-5 limits = (%d, %d)", got.MaxTokens, got.MaxCompletionTokens)
	}

	// Anthropic family requires max_tokens; default applied when absent.
	if _, err := provider.Completion(t.Context(), &Request{Model: "claude-sonnet-4", Messages: userMessages("x")}); err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if got.MaxTokens != defaultAnthropicMaxTokens {
		t.Fatalf("anthropic max_tokens = %d", got.MaxTokens)
	}
}

func TestGatewayHTTPErrorCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"prompt is too long: 220000 tokens > 200000 maximum"}}`)
	}))
	defer server.Close()

	provider := NewGatewayProvider(GatewayConfig{BaseURL: server.URL}, nil)
	_, err := provider.StreamCompletion(t.Context(), &Request{Model: "claude-opus-4", Messages: userMessages("x")})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsProviderError(err) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	// The body reaches the error string so overflow detection can match it.
	if want := "prompt is too long"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not contain %q", err.Error(), want)
	}
}

func TestGatewayEmptyMessagesRejected(t *testing.T) {
	provider := NewGatewayProvider(GatewayConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	if _, err := provider.StreamCompletion(t.Context(), &Request{Model: "gpt-4o"}); err != ErrNoMessages {
		t.Fatalf("err = %v", err)
	}
}
