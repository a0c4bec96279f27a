package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/agentd/pkg/models"
)

const (
	defaultGatewayBaseURL = "https://api.portkey.ai/v1"
	defaultGatewayTimeout = 300 * time.Second
)

// GatewayConfig configures the model-gateway provider.
type GatewayConfig struct {
	BaseURL  string
	APIKey   string
	ConfigID string

	// VirtualKeys maps provider family to an opaque virtual key. The key for
	// a request is selected from the family inferred from the model name.
	VirtualKeys map[string]string

	// FallbackKey is used when VirtualKeys has no entry at all.
	FallbackKey string

	Timeout time.Duration
}

// GatewayProvider speaks the OpenAI-compatible chat-completions wire to a
// model gateway. It owns the canonical-to-wire reshaping: image pruning,
// per-family content normalization and token-limit discipline, tool
// passthrough, and virtual-key routing. Families that carry an opaque
// thought_signature in tool calls are driven non-streaming so the signature
// arrives whole; everything else streams.
type GatewayProvider struct {
	config GatewayConfig
	client *http.Client
	logger *slog.Logger
}

// NewGatewayProvider creates a gateway provider.
func NewGatewayProvider(cfg GatewayConfig, logger *slog.Logger) *GatewayProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGatewayBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultGatewayTimeout
	}
	return &GatewayProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "llm.gateway"),
	}
}

// wireRequest is the chat-completions request body.
type wireRequest struct {
	Model               string                `json:"model"`
	Messages            []*models.Message     `json:"messages"`
	Tools               []models.FunctionTool `json:"tools,omitempty"`
	Temperature         *float32              `json:"temperature,omitempty"`
	MaxTokens           int                   `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Stop                []string              `json:"stop,omitempty"`
	Stream              bool                  `json:"stream"`
}

// wireMessage is a non-streaming response message.
type wireMessage struct {
	Role      models.Role       `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// wireChoice is one choice of a non-streaming response.
type wireChoice struct {
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// wireResponse is a non-streaming chat-completions response.
type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
}

// StreamCompletion implements Provider.
func (p *GatewayProvider) StreamCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	family := RoutedFamily(req.Model, p.logger)
	if UsesThoughtSignatures(family) {
		// Stream deltas would shred the opaque signature across fragments.
		// Run non-streaming and synthesize a single chunk.
		return p.synthesizedStream(ctx, req)
	}

	body, err := p.buildBody(req, family, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.httpError(resp)
	}

	events := make(chan StreamEvent)
	go p.readSSE(ctx, resp.Body, events)
	return events, nil
}

// Completion implements Provider.
func (p *GatewayProvider) Completion(ctx context.Context, req *Request) (*models.StreamChunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	family := RoutedFamily(req.Model, p.logger)
	body, err := p.buildBody(req, family, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpError(resp)
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, NewProviderError(string(family), err).WithMessage("decode completion response")
	}
	if len(decoded.Choices) == 0 {
		return nil, NewProviderError(string(family), nil).WithMessage("completion response has no choices")
	}

	choice := decoded.Choices[0]
	chunk := &models.StreamChunk{
		ID:           decoded.ID,
		Model:        decoded.Model,
		Role:         choice.Message.Role,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for i, tc := range choice.Message.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
			Index: i,
			ID:    tc.ID,
			Type:  tc.Type,
			Function: models.FunctionDelta{
				Name:             tc.Function.Name,
				Arguments:        tc.Function.Arguments,
				ThoughtSignature: tc.Function.ThoughtSignature,
			},
		})
	}
	return chunk, nil
}

// synthesizedStream adapts a non-streaming completion to the streaming
// contract with a single chunk.
func (p *GatewayProvider) synthesizedStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent, 1)
	chunk, err := p.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	events <- StreamEvent{Chunk: chunk}
	close(events)
	return events, nil
}

func (p *GatewayProvider) buildBody(req *Request, family Family, stream bool) ([]byte, error) {
	messages := NormalizeContent(PruneImages(req.Messages, 0), family)
	maxTokens, maxCompletion := TokenLimits(req.Model, req.MaxTokens)

	wire := wireRequest{
		Model:               req.Model,
		Messages:            messages,
		Temperature:         req.Temperature,
		MaxTokens:           maxTokens,
		MaxCompletionTokens: maxCompletion,
		Stop:                req.Stop,
		Stream:              stream,
	}
	for _, def := range req.Tools {
		wire.Tools = append(wire.Tools, def.AsFunctionTool())
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, NewProviderError(string(family), err).WithMessage("marshal request")
	}
	return body, nil
}

func (p *GatewayProvider) post(ctx context.Context, model string, body []byte) (*http.Response, error) {
	url := strings.TrimRight(p.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("gateway", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("x-portkey-api-key", p.config.APIKey)
	}
	if p.config.ConfigID != "" {
		httpReq.Header.Set("x-portkey-config", p.config.ConfigID)
	}
	// Provider-specific fields (notably thought_signature) must survive the
	// gateway, so strict OpenAI field compliance is disabled.
	httpReq.Header.Set("x-portkey-strict-open-ai-compliance", "false")

	virtualKey := SelectVirtualKey(p.config.VirtualKeys, model, p.logger)
	if virtualKey == "" {
		virtualKey = p.config.FallbackKey
	}
	if virtualKey != "" {
		httpReq.Header.Set("x-portkey-virtual-key", virtualKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("gateway", err)
	}
	return resp, nil
}

func (p *GatewayProvider) httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return NewProviderError("gateway", nil).
		WithStatusCode(resp.StatusCode).
		WithMessage(strings.TrimSpace(string(body)))
}

// readSSE parses the chat-completions SSE stream, forwarding one StreamEvent
// per data line until [DONE] or an error, then closes the channel.
func (p *GatewayProvider) readSSE(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Err: NewProviderError("gateway", ctx.Err())}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var wire models.CompletionChunk
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			p.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(wire.Choices) == 0 {
			continue
		}

		choice := wire.Choices[0]
		select {
		case events <- StreamEvent{Chunk: &models.StreamChunk{
			ID:           wire.ID,
			Model:        wire.Model,
			Role:         choice.Delta.Role,
			Content:      choice.Delta.Content,
			ToolCalls:    choice.Delta.ToolCalls,
			FinishReason: choice.FinishReason,
		}}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		events <- StreamEvent{Err: NewProviderError("gateway", fmt.Errorf("read stream: %w", err))}
	}
}
