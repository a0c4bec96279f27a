package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentd/internal/tools"
	"github.com/haasonsaas/agentd/pkg/models"
)

// IdleToolName is the loop's termination signal: the model calls this tool
// when it considers the task finished.
const IdleToolName = "idle"

// idleDefinition describes the idle tool to the model.
func idleDefinition() models.ToolDefinition {
	return models.ToolDefinition{
		Name: IdleToolName,
		Description: "Signal that you are finished with the current task. " +
			"Call this when there is nothing left to do; optionally include a short summary of what was accomplished.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {
					"type": "string",
					"description": "Short summary of what was accomplished"
				}
			}
		}`),
	}
}

// EnsureIdleTool registers the idle tool on the registry. A sandbox or MCP
// tool squatting on the name loses to this local registration by kind
// precedence. The handler never actually runs: the loop intercepts the call
// and terminates.
func EnsureIdleTool(registry *tools.Registry) {
	if entry := registry.GetTool(IdleToolName); entry != nil && entry.Kind == tools.KindLocal {
		return
	}
	// Registration can only fail on a local-vs-local conflict, which the
	// lookup above excludes.
	_ = registry.RegisterLocal(idleDefinition(), &tools.LocalHandler{
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			return `{"status":"idle"}`, nil
		},
	})
}
