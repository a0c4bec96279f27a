package tools

import (
	"encoding/json"
	"strings"
)

// ParseArgs decodes model-generated tool arguments leniently: an empty or
// unparseable argument string yields an empty map, never an error. Models
// occasionally emit truncated or malformed JSON; a tool receiving no
// arguments degrades better than a hard failure mid-run.
func ParseArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
