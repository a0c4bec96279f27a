package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agentd/pkg/models"
)

// AnthropicProvider drives the Anthropic API directly through the official
// SDK, bypassing the gateway. Used in local development when an Anthropic
// API key is configured.
type AnthropicProvider struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicProvider creates a direct Anthropic provider.
func NewAnthropicProvider(apiKey string, logger *slog.Logger) *AnthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger.With("component", "llm.anthropic"),
	}
}

// StreamCompletion implements Provider.
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, params)
		toolIndex := -1
		sawToolUse := false

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				events <- StreamEvent{Chunk: &models.StreamChunk{
					ID:    event.AsMessageStart().Message.ID,
					Model: req.Model,
					Role:  models.RoleAssistant,
				}}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					toolIndex++
					sawToolUse = true
					events <- StreamEvent{Chunk: &models.StreamChunk{
						ToolCalls: []models.ToolCallDelta{{
							Index:    toolIndex,
							ID:       toolUse.ID,
							Type:     "function",
							Function: models.FunctionDelta{Name: toolUse.Name},
						}},
					}}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						events <- StreamEvent{Chunk: &models.StreamChunk{Content: delta.Text}}
					}
				case "input_json_delta":
					if delta.PartialJSON != "" && toolIndex >= 0 {
						events <- StreamEvent{Chunk: &models.StreamChunk{
							ToolCalls: []models.ToolCallDelta{{
								Index:    toolIndex,
								Function: models.FunctionDelta{Arguments: delta.PartialJSON},
							}},
						}}
					}
				}

			case "message_stop":
				finish := "stop"
				if sawToolUse {
					finish = "tool_calls"
				}
				events <- StreamEvent{Chunk: &models.StreamChunk{FinishReason: finish}}
			}
		}

		if err := stream.Err(); err != nil {
			events <- StreamEvent{Err: NewProviderError(string(FamilyAnthropic), err)}
		}
	}()

	return events, nil
}

// Completion implements Provider.
func (p *AnthropicProvider) Completion(ctx context.Context, req *Request) (*models.StreamChunk, error) {
	events, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return CollectStream(events)
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens, _ := TokenLimits(req.Model, req.MaxTokens)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}

	messages := NormalizeContent(PruneImages(req.Messages, 0), FamilyAnthropic)
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.TextContent()})
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.TextContent(), false))
		} else if text := msg.TextContent(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}

	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return params, NewProviderError(string(FamilyAnthropic), err).
				WithMessage("invalid tool schema for " + def.Name)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	return params, nil
}
