// Package compaction rewrites conversation history to fit a shrinking
// context window. Detection of overflow errors lives in overflow.go; the
// rewrite strategies here either summarize the older part of the
// conversation through an auxiliary LLM call or, failing that, truncate it.
// Both strategies split only at safe boundaries so an assistant message
// carrying tool calls is never separated from its tool results.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/pkg/models"
)

const (
	// defaultMinMessages is the conversation size below which summarization
	// is skipped entirely.
	defaultMinMessages = 10

	// defaultSplitRatio places the split point at this fraction of the
	// non-system region; everything before it is summarized.
	defaultSplitRatio = 0.75

	// defaultKeepLast is how many trailing messages truncation retains.
	defaultKeepLast = 50

	summaryTemperature = 0.3
)

// Compactor rewrites a message list to fit context. Implementations must
// preserve leading system messages and never split a tool-call/tool-result
// pair.
type Compactor interface {
	Compact(ctx context.Context, messages []*models.Message, systemPrompt, model string) ([]*models.Message, error)
}

// SafeSplit adjusts a target split index so no assistant-with-tool-calls is
// separated from its subsequent tool messages. Walking backwards from k:
// while the message before the split carries tool calls, or the message at
// the split is a tool result, the split moves down.
func SafeSplit(messages []*models.Message, k int) int {
	if k > len(messages) {
		k = len(messages)
	}
	for k > 0 {
		if messages[k-1].HasToolCalls() {
			k--
			continue
		}
		if k < len(messages) && messages[k].Role == models.RoleTool {
			k--
			continue
		}
		break
	}
	if k < 0 {
		return 0
	}
	return k
}

// Validate traverses once, dropping tool messages whose tool_call_id is not
// satisfied by any earlier assistant tool call, and assistant messages with
// neither content nor tool calls. Idempotent.
func Validate(messages []*models.Message) []*models.Message {
	seen := map[string]bool{}
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleAssistant:
			if msg.TextContent() == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			for _, tc := range msg.ToolCalls {
				seen[tc.ID] = true
			}
		case msg.Role == models.RoleTool:
			if !seen[msg.ToolCallID] {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}

// splitSystemPrefix returns the leading system messages and the rest.
func splitSystemPrefix(messages []*models.Message) (system, rest []*models.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == models.RoleSystem {
		i++
	}
	return messages[:i], messages[i:]
}

// Truncate keeps the last keepLast non-system messages, splitting safely,
// and re-attaches the leading system messages.
type Truncate struct {
	KeepLast int
}

// Compact implements Compactor.
func (t *Truncate) Compact(_ context.Context, messages []*models.Message, _ string, _ string) ([]*models.Message, error) {
	keep := t.KeepLast
	if keep <= 0 {
		keep = defaultKeepLast
	}

	system, rest := splitSystemPrefix(messages)
	if len(rest) <= keep {
		return Validate(messages), nil
	}

	split := SafeSplit(rest, len(rest)-keep)
	out := make([]*models.Message, 0, len(system)+len(rest)-split)
	out = append(out, system...)
	out = append(out, rest[split:]...)
	return Validate(out), nil
}

// Summarize compacts by summarizing the older part of the conversation via
// an auxiliary LLM call and replacing it with a synthetic handoff system
// message. Falls back to truncation on any failure.
type Summarize struct {
	Provider    llm.Provider
	MinMessages int
	SplitRatio  float64
	Fallback    *Truncate
	Logger      *slog.Logger
}

// NewSummarize creates the default summarizing compactor.
func NewSummarize(provider llm.Provider, logger *slog.Logger) *Summarize {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarize{
		Provider: provider,
		Fallback: &Truncate{},
		Logger:   logger.With("component", "compaction"),
	}
}

// Compact implements Compactor.
func (s *Summarize) Compact(ctx context.Context, messages []*models.Message, systemPrompt, model string) ([]*models.Message, error) {
	minMessages := s.MinMessages
	if minMessages <= 0 {
		minMessages = defaultMinMessages
	}
	ratio := s.SplitRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultSplitRatio
	}

	system, rest := splitSystemPrefix(messages)
	if len(rest) < minMessages {
		return messages, nil
	}

	split := SafeSplit(rest, int(float64(len(rest))*ratio))
	if split <= 0 {
		return s.fallback(ctx, messages, systemPrompt, model)
	}
	prefix, suffix := rest[:split], rest[split:]

	summary, err := s.summarize(ctx, prefix, model)
	if err != nil {
		s.Logger.Warn("summarization failed, falling back to truncation", "error", err)
		return s.fallback(ctx, messages, systemPrompt, model)
	}

	handoff := &models.Message{
		Role: models.RoleSystem,
		Content: models.NewPartsContent([]models.ContentPart{{
			Type:         "text",
			Text:         fmt.Sprintf("[CONVERSATION HANDOFF — %d messages summarized]\n\n%s", len(prefix), summary),
			CacheControl: json.RawMessage(`{"type":"ephemeral"}`),
		}}),
	}

	out := make([]*models.Message, 0, len(system)+1+len(suffix))
	out = append(out, system...)
	out = append(out, handoff)
	out = append(out, suffix...)
	return Validate(out), nil
}

func (s *Summarize) fallback(ctx context.Context, messages []*models.Message, systemPrompt, model string) ([]*models.Message, error) {
	fb := s.Fallback
	if fb == nil {
		fb = &Truncate{}
	}
	return fb.Compact(ctx, messages, systemPrompt, model)
}

func (s *Summarize) summarize(ctx context.Context, prefix []*models.Message, model string) (string, error) {
	if s.Provider == nil {
		return "", fmt.Errorf("no summarization provider configured")
	}

	temp := float32(summaryTemperature)
	chunk, err := s.Provider.Completion(ctx, &llm.Request{
		Model:       model,
		Temperature: &temp,
		Messages: []*models.Message{
			{
				Role: models.RoleSystem,
				Content: models.NewTextContent(
					"You summarize conversations for context handoff. Produce a concise markdown summary " +
						"covering the user's goals, decisions made, tool results that matter, and any open work. " +
						"Do not editorialize."),
			},
			{
				Role:    models.RoleUser,
				Content: models.NewTextContent("Summarize this conversation:\n\n" + renderForSummary(prefix)),
			},
		},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(chunk.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

// renderForSummary flattens messages into a readable transcript for the
// summarization prompt.
func renderForSummary(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		if msg.Name != "" {
			b.WriteString(" (" + msg.Name + ")")
		}
		b.WriteString(": ")
		if text := msg.TextContent(); text != "" {
			b.WriteString(text)
		}
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "[called %s with %s]", tc.Function.Name, tc.Function.Arguments)
		}
		b.WriteString("\n")
	}
	return b.String()
}
