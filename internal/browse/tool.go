package browse

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/robman/flohub/internal/tools"
	"github.com/robman/flohub/pkg/models"
)

var browseToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["navigate", "snapshot", "screenshot"],
			"description": "What to do with the agent's page."
		},
		"url": {
			"type": "string",
			"description": "Destination for navigate."
		},
		"quality": {
			"type": "integer",
			"description": "JPEG quality for screenshot (1-100, default 60)."
		}
	},
	"required": ["action"]
}`)

// NewTool builds the hub-served browse tool over the service, scoped to
// one agent's page session.
func NewTool(svc *Service, agentID string) tools.Tool {
	return tools.NewTool("browse",
		"Drive this agent's hub-side browser page: navigate to a URL, read an accessibility snapshot, or capture a screenshot.",
		browseToolSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var params struct {
				Action  string `json:"action"`
				URL     string `json:"url"`
				Quality int    `json:"quality"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return models.ErrorResult("browse: invalid input: " + err.Error())
			}

			page, err := svc.PageFor(agentID)
			if err != nil {
				return models.ErrorResult("browse: " + err.Error())
			}

			switch params.Action {
			case "navigate":
				if params.URL == "" {
					return models.ErrorResult("browse: navigate requires a url")
				}
				if err := page.Navigate(params.URL); err != nil {
					return models.ErrorResult("browse: navigate: " + err.Error())
				}
				snapshot, err := page.Snapshot()
				if err != nil {
					return models.ErrorResult("browse: snapshot after navigate: " + err.Error())
				}
				return models.ToolResult{Content: snapshot}

			case "snapshot":
				snapshot, err := page.Snapshot()
				if err != nil {
					return models.ErrorResult("browse: snapshot: " + err.Error())
				}
				return models.ToolResult{Content: snapshot}

			case "screenshot":
				quality := params.Quality
				if quality <= 0 || quality > 100 {
					quality = 60
				}
				jpeg, err := page.Screenshot(quality)
				if err != nil {
					return models.ErrorResult("browse: screenshot: " + err.Error())
				}
				return models.ToolResult{Content: base64.StdEncoding.EncodeToString(jpeg)}

			default:
				return models.ErrorResult("browse: unknown action " + params.Action)
			}
		})
}
