package tools

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/internal/state"
	"github.com/robman/flohub/pkg/models"
)

var stateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["get", "get_all", "set", "delete", "set_escalation", "clear_escalation", "evaluate_escalation"]},
		"key": {"type": "string"},
		"value": {},
		"condition": {"type": "string"},
		"message": {"type": "string"}
	},
	"required": ["action"]
}`)

// newStateTool serves the agent's key-value state and escalation rules.
func newStateTool(store *state.Store) Tool {
	return NewTool("state",
		"Get and set agent state keys, and manage escalation conditions.",
		stateSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Action    string          `json:"action"`
				Key       string          `json:"key"`
				Value     json.RawMessage `json:"value"`
				Condition string          `json:"condition"`
				Message   string          `json:"message"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}

			switch args.Action {
			case "get":
				value, err := store.Get(args.Key)
				if err != nil {
					return models.ErrorResult("state get: " + err.Error())
				}
				return jsonResult(value)

			case "get_all":
				return jsonResult(store.GetAll())

			case "set":
				var value any
				if len(args.Value) > 0 {
					if err := json.Unmarshal(args.Value, &value); err != nil {
						return models.ErrorResult("state set: invalid value: " + err.Error())
					}
				}
				if err := store.Set(args.Key, value); err != nil {
					return models.ErrorResult("state set: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "delete":
				store.Delete(args.Key)
				return models.ToolResult{Content: "ok"}

			case "set_escalation":
				if err := store.SetEscalation(args.Key, args.Condition, args.Message); err != nil {
					return models.ErrorResult("set_escalation: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "clear_escalation":
				store.ClearEscalation(args.Key)
				return models.ToolResult{Content: "ok"}

			case "evaluate_escalation":
				var value any
				if len(args.Value) > 0 {
					if err := json.Unmarshal(args.Value, &value); err != nil {
						return models.ErrorResult("evaluate_escalation: invalid value: " + err.Error())
					}
				}
				message, fired := store.EvaluateEscalation(args.Key, value)
				return jsonResult(map[string]any{"fired": fired, "message": message})

			default:
				return models.ErrorResult("state: unknown action " + args.Action)
			}
		})
}
