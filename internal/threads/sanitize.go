package threads

import "github.com/haasonsaas/agentd/pkg/models"

// Sanitize drops tool messages whose tool_call_id is not satisfied by the
// most recent assistant message that carried tool calls. Providers reject
// histories with orphaned tool results, which appear when a run is
// interrupted between saving the assistant turn and its tool output.
//
// The valid-id set tracks the latest assistant-with-tool-calls message and
// resets whenever a message arrives that is neither a tool result nor an
// assistant carrying tool calls. Idempotent.
func Sanitize(messages []*models.Message) []*models.Message {
	validIDs := map[string]bool{}
	out := make([]*models.Message, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.HasToolCalls():
			validIDs = map[string]bool{}
			for _, tc := range msg.ToolCalls {
				validIDs[tc.ID] = true
			}
		case msg.Role == models.RoleTool:
			if !validIDs[msg.ToolCallID] {
				continue
			}
		default:
			validIDs = map[string]bool{}
		}
		out = append(out, msg)
	}
	return out
}
