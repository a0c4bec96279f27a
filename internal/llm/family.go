package llm

import (
	"log/slog"
	"sort"
	"strings"
)

// Family is a model provider family inferred from a model identifier.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
	FamilyUnknown   Family = "unknown"
)

// InferFamily guesses the provider family from a model identifier by
// case-insensitive substring match.
func InferFamily(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt"), strings.Contains(m, "o1"):
		return FamilyOpenAI
	case strings.Contains(m, "claude"), strings.Contains(m, "sonnet"),
		strings.Contains(m, "opus"), strings.Contains(m, "haiku"):
		return FamilyAnthropic
	case strings.Contains(m, "gemini"):
		return FamilyGoogle
	default:
		return FamilyUnknown
	}
}

// RoutedFamily maps a model to the family it is routed as on the gateway.
// Unknown models route as openai.
func RoutedFamily(model string, logger *slog.Logger) Family {
	family := InferFamily(model)
	if family == FamilyUnknown {
		if logger != nil {
			logger.Warn("unknown model family, routing as openai", "model", model)
		}
		return FamilyOpenAI
	}
	return family
}

// SelectVirtualKey picks the virtual key for the family inferred from the
// model, falling back to the first available key with a warning when the
// family has none.
func SelectVirtualKey(keys map[string]string, model string, logger *slog.Logger) string {
	if len(keys) == 0 {
		return ""
	}
	family := RoutedFamily(model, logger)
	if key, ok := keys[string(family)]; ok && key != "" {
		return key
	}

	// Deterministic fallback: first key in sorted family order.
	families := make([]string, 0, len(keys))
	for f := range keys {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		if keys[f] != "" {
			if logger != nil {
				logger.Warn("no virtual key for model family, falling back",
					"model", model, "family", family, "fallback_family", f)
			}
			return keys[f]
		}
	}
	return ""
}

// UsesThoughtSignatures reports whether the family carries an opaque
// thought_signature in tool-call function bodies. Such families are driven
// non-streaming so the signature is captured whole.
func UsesThoughtSignatures(family Family) bool {
	return family == FamilyGoogle
}
