package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/robman/flohub/pkg/models"
)

// maxSearchResults caps one context_search response.
const maxSearchResults = 20

var contextSearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Case-insensitive substring to find"}
	},
	"required": ["query"]
}`)

type searchHit struct {
	Role   models.Role `json:"role"`
	TurnID string      `json:"turnId,omitempty"`
	Text   string      `json:"text"`
}

// newContextSearchTool searches text blocks of the full conversation,
// including turns no longer in the request window.
func newContextSearchTool(getMessages func() []models.Message) Tool {
	return NewTool("context_search",
		"Search earlier conversation text for a substring.",
		contextSearchSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Query string `json:"query"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			query := strings.ToLower(strings.TrimSpace(args.Query))
			if query == "" {
				return models.ErrorResult("context_search: query is required")
			}

			var hits []searchHit
			for _, msg := range getMessages() {
				for _, block := range msg.Content {
					if block.Type != models.BlockText {
						continue
					}
					if !strings.Contains(strings.ToLower(block.Text), query) {
						continue
					}
					hits = append(hits, searchHit{Role: msg.Role, TurnID: msg.TurnID, Text: block.Text})
					if len(hits) >= maxSearchResults {
						return jsonResult(hits)
					}
				}
			}
			return jsonResult(hits)
		})
}
