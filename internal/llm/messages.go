package llm

import "github.com/haasonsaas/agentd/pkg/models"

// defaultAnthropicMaxTokens is applied when the caller leaves MaxTokens
// unset for the Anthropic family, where the field is mandatory.
const defaultAnthropicMaxTokens = 8192

// NormalizeContent reshapes message content for a target family. The
// Google family's wire takes a single string per message, so part lists are
// flattened; the Anthropic family's wire takes a part list, so bare strings
// are lifted. The OpenAI family accepts both forms and is left alone.
// Messages that already match the target shape are returned unchanged.
func NormalizeContent(messages []*models.Message, family Family) []*models.Message {
	out := make([]*models.Message, len(messages))
	for i, msg := range messages {
		out[i] = normalizeMessage(msg, family)
	}
	return out
}

func normalizeMessage(msg *models.Message, family Family) *models.Message {
	if msg == nil || msg.Content == nil {
		return msg
	}
	switch family {
	case FamilyGoogle:
		if !msg.Content.IsParts() {
			return msg
		}
		clone := msg.Clone()
		clone.Content = models.NewTextContent(msg.Content.AsText())
		return clone
	case FamilyAnthropic:
		if msg.Content.IsParts() || msg.Content.Text == "" {
			return msg
		}
		clone := msg.Clone()
		clone.Content = models.NewPartsContent([]models.ContentPart{{
			Type: "text",
			Text: msg.Content.Text,
		}})
		return clone
	default:
		return msg
	}
}

// TokenLimits resolves the per-family token-limit parameters for a request:
// maxTokens populates the legacy max_tokens field and maxCompletionTokens
// the newer one. The gpt-5 generation only accepts max_completion_tokens;
// the Anthropic family requires max_tokens and gets a default when the
// caller passed none.
func TokenLimits(model string, requested int) (maxTokens, maxCompletionTokens int) {
	if isGPT5Family(model) {
		return 0, requested
	}
	if InferFamily(model) == FamilyAnthropic {
		if requested <= 0 {
			requested = defaultAnthropicMaxTokens
		}
		return requested, 0
	}
	return requested, 0
}

func isGPT5Family(model string) bool {
	return len(model) >= 5 && model[:5] == "gpt-5"
}
