package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentd/pkg/models"
)

// OpenAIProvider drives the OpenAI API directly through the official-shape
// SDK, bypassing the gateway. Used in local development when an OpenAI API
// key is configured. The OpenAI family carries no thought signatures, so
// the SDK's fixed wire types lose nothing.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a direct OpenAI provider.
func NewOpenAIProvider(apiKey string, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		logger: logger.With("component", "llm.openai"),
	}
}

// StreamCompletion implements Provider.
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, NewProviderError(string(FamilyOpenAI), err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				events <- StreamEvent{Err: NewProviderError(string(FamilyOpenAI), err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			chunk := &models.StreamChunk{
				ID:           resp.ID,
				Model:        resp.Model,
				Role:         models.Role(choice.Delta.Role),
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				chunk.ToolCalls = append(chunk.ToolCalls, models.ToolCallDelta{
					Index: index,
					ID:    tc.ID,
					Type:  string(tc.Type),
					Function: models.FunctionDelta{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			events <- StreamEvent{Chunk: chunk}
		}
	}()
	return events, nil
}

// Completion implements Provider.
func (p *OpenAIProvider) Completion(ctx context.Context, req *Request) (*models.StreamChunk, error) {
	events, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return CollectStream(events)
}

func (p *OpenAIProvider) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	maxTokens, maxCompletion := TokenLimits(req.Model, req.MaxTokens)
	out := openai.ChatCompletionRequest{
		Model:               req.Model,
		Stream:              stream,
		MaxTokens:           maxTokens,
		MaxCompletionTokens: maxCompletion,
		Stop:                req.Stop,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	for _, msg := range NormalizeContent(PruneImages(req.Messages, 0), FamilyOpenAI) {
		converted := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.TextContent(),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, converted)
	}

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}
