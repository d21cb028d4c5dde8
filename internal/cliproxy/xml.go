package cliproxy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/robman/flohub/pkg/models"
)

var (
	toolCallPattern   = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	toolResultPattern = regexp.MustCompile(`(?s)<tool_result>(.*?)</tool_result>`)
)

// toolCallPayload is the JSON inside a <tool_call> block.
type toolCallPayload struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ExtractedCall is one tool call lifted out of assistant text.
type ExtractedCall struct {
	Name  string
	Input json.RawMessage
}

// ExtractToolCalls splits assistant text into leading text and tool
// calls. Text after the last tool call is a simulated continuation and
// is discarded; <tool_result> blocks in model output are stripped.
func ExtractToolCalls(text string) (string, []ExtractedCall) {
	text = toolResultPattern.ReplaceAllString(text, "")

	matches := toolCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}

	leading := strings.TrimSpace(text[:matches[0][0]])
	var calls []ExtractedCall
	for _, m := range matches {
		body := text[m[2]:m[3]]
		var payload toolCallPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &payload); err != nil || payload.Name == "" {
			continue
		}
		input := payload.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		calls = append(calls, ExtractedCall{Name: payload.Name, Input: input})
	}
	return leading, calls
}

// FormatHistory serializes conversation history for the child's stdin.
// Assistant tool_use and user tool_result blocks round-trip back into
// the XML form the model emitted them in.
func FormatHistory(system string, messages []models.Message) string {
	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "system: %s\n\n", system)
	}
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				b.WriteString(block.Text)

			case models.BlockToolUse:
				payload, err := json.Marshal(toolCallPayload{Name: block.Name, Input: block.Input})
				if err != nil {
					continue
				}
				fmt.Fprintf(&b, "<tool_call>%s</tool_call>", payload)

			case models.BlockToolResult:
				payload, err := json.Marshal(map[string]any{
					"tool_use_id": block.ToolUseID,
					"content":     block.Content,
					"is_error":    block.IsError,
				})
				if err != nil {
					continue
				}
				fmt.Fprintf(&b, "<tool_result>%s</tool_result>", payload)
			}
		}
		b.WriteString("\n\n")
	}
	return b.String()
}
