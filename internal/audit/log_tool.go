package audit

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/internal/tools"
	"github.com/robman/flohub/pkg/models"
)

var logToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"kind": {
			"type": "string",
			"enum": ["tool_calls", "interventions", "all"],
			"description": "Which trail to read; defaults to all."
		},
		"limit": {
			"type": "integer",
			"description": "Maximum entries per trail; defaults to 50."
		}
	}
}`)

// NewLogTool builds the locally served audit_log tool over the store,
// scoped to one agent's trail.
func NewLogTool(store *Store, agentID string) tools.Tool {
	return tools.NewTool("audit_log",
		"Read this agent's audit trail of tool executions and intervention sessions.",
		logToolSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var params struct {
				Kind  string `json:"kind"`
				Limit int    `json:"limit"`
			}
			if len(input) > 0 {
				if err := json.Unmarshal(input, &params); err != nil {
					return models.ErrorResult("audit_log: invalid input: " + err.Error())
				}
			}

			report := make(map[string]any)
			if params.Kind == "" || params.Kind == "all" || params.Kind == "tool_calls" {
				calls, err := store.ToolCalls(agentID, params.Limit)
				if err != nil {
					return models.ErrorResult("audit_log: " + err.Error())
				}
				report["tool_calls"] = calls
			}
			if params.Kind == "" || params.Kind == "all" || params.Kind == "interventions" {
				sessions, err := store.Interventions(agentID, params.Limit)
				if err != nil {
					return models.ErrorResult("audit_log: " + err.Error())
				}
				report["interventions"] = sessions
			}
			if len(report) == 0 {
				return models.ErrorResult("audit_log: unknown kind " + params.Kind)
			}

			out, err := json.Marshal(report)
			if err != nil {
				return models.ErrorResult("audit_log: " + err.Error())
			}
			return models.ToolResult{Content: string(out)}
		})
}
