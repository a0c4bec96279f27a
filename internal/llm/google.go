package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/agentd/pkg/models"
)

// toolCallID mints an id for a Gemini function call, which arrives without
// one. The name and position keep ids readable in traces.
func toolCallID(name string, index int) string {
	return fmt.Sprintf("call_%s_%d_%s", name, index, uuid.NewString()[:8])
}

// GoogleProvider drives the Gemini API directly through the genai SDK. The
// Gemini family attaches an opaque thought signature to function-call parts
// that must be echoed back on later turns, so this provider always requests
// a non-streaming completion and synthesizes a single chunk carrying the
// signature whole.
type GoogleProvider struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGoogleProvider creates a direct Gemini provider.
func NewGoogleProvider(ctx context.Context, apiKey string, logger *slog.Logger) (*GoogleProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, NewProviderError(string(FamilyGoogle), err)
	}
	return &GoogleProvider{
		client: client,
		logger: logger.With("component", "llm.google"),
	}, nil
}

// StreamCompletion implements Provider with a synthesized one-chunk stream.
func (p *GoogleProvider) StreamCompletion(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chunk, err := p.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent, 1)
	events <- StreamEvent{Chunk: chunk}
	close(events)
	return events, nil
}

// Completion implements Provider.
func (p *GoogleProvider) Completion(ctx context.Context, req *Request) (*models.StreamChunk, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	contents, config := p.convert(req)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, NewProviderError(string(FamilyGoogle), err)
	}

	chunk := &models.StreamChunk{Model: req.Model, Role: models.RoleAssistant}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		chunk.FinishReason = "stop"
		return chunk, nil
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		chunk.Content += part.Text
		if part.FunctionCall == nil {
			continue
		}
		args, jsonErr := json.Marshal(part.FunctionCall.Args)
		if jsonErr != nil {
			args = []byte("{}")
		}
		delta := models.ToolCallDelta{
			Index: len(chunk.ToolCalls),
			ID:    toolCallID(part.FunctionCall.Name, len(chunk.ToolCalls)),
			Type:  "function",
			Function: models.FunctionDelta{
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			},
		}
		// Preserve the opaque thought signature verbatim; Gemini requires it
		// echoed back on this tool call's subsequent turns. Never parse it,
		// just carry it along.
		if len(part.ThoughtSignature) > 0 {
			delta.Function.ThoughtSignature = string(part.ThoughtSignature)
		}
		chunk.ToolCalls = append(chunk.ToolCalls, delta)
	}

	if len(chunk.ToolCalls) > 0 {
		chunk.FinishReason = "tool_calls"
	} else {
		chunk.FinishReason = "stop"
	}
	return chunk, nil
}

func (p *GoogleProvider) convert(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}

	var contents []*genai.Content
	messages := NormalizeContent(PruneImages(req.Messages, 0), FamilyGoogle)
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: msg.TextContent()}},
			}
			continue
		case models.RoleTool:
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.Name,
						Response: map[string]any{"output": msg.TextContent()},
					},
				}},
			})
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}
		if text := msg.TextContent(); text != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: text})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			part := &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Function.Name,
					Args: args,
				},
			}
			if tc.Function.ThoughtSignature != "" {
				part.ThoughtSignature = []byte(tc.Function.ThoughtSignature)
			}
			content.Parts = append(content.Parts, part)
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents, config
}

func toGeminiTools(defs []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
