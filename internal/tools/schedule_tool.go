package tools

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/pkg/models"
)

var scheduleSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["add", "remove", "list", "enable", "disable"]},
		"id": {"type": "string"},
		"schedule": {"type": "object"}
	},
	"required": ["action"]
}`)

// newScheduleTool manages the agent's cron and event schedules.
func newScheduleTool(agentID string, svc ScheduleService) Tool {
	return NewTool("schedule",
		"Add, remove, list, and toggle cron or event schedules for this agent.",
		scheduleSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Action   string           `json:"action"`
				ID       string           `json:"id"`
				Schedule *models.Schedule `json:"schedule"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}

			switch args.Action {
			case "add":
				if args.Schedule == nil {
					return models.ErrorResult("schedule add: schedule is required")
				}
				added, err := svc.Add(agentID, args.Schedule)
				if err != nil {
					return models.ErrorResult("schedule add: " + err.Error())
				}
				return jsonResult(map[string]any{
					"schedule": added,
					"timezone": svc.Timezone(),
				})

			case "remove":
				if err := svc.Remove(agentID, args.ID); err != nil {
					return models.ErrorResult("schedule remove: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "list":
				return jsonResult(svc.List(agentID))

			case "enable", "disable":
				if err := svc.SetEnabled(agentID, args.ID, args.Action == "enable"); err != nil {
					return models.ErrorResult("schedule " + args.Action + ": " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			default:
				return models.ErrorResult("schedule: unknown action " + args.Action)
			}
		})
}
