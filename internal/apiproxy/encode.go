package apiproxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robman/flohub/internal/runner"
	"github.com/robman/flohub/pkg/models"
)

var emptyObject = json.RawMessage(`{}`)

// defaultSchema stands in for tools registered without a schema.
var defaultSchema = json.RawMessage(`{"type":"object"}`)

// encodeAnthropic builds an Anthropic messages-API streaming request.
// System-role conversation messages fold into the system prompt since
// the wire format has no system role.
func encodeAnthropic(req runner.ProviderRequest) ([]byte, error) {
	system := req.System
	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = joinSystem(system, messageText(m))
			continue
		}
		blocks := make([]models.ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		for i := range blocks {
			if blocks[i].Type == models.BlockToolUse && len(blocks[i].Input) == 0 {
				blocks[i].Input = emptyObject
			}
		}
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": blocks,
		})
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokensOrDefault(req.MaxTokens),
		"stream":     true,
		"messages":   messages,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = defaultSchema
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools
	}
	return json.Marshal(body)
}

// encodeOpenAI builds a chat-completions streaming request. Assistant
// tool_use blocks become tool_calls; tool_result blocks become separate
// role:"tool" messages.
func encodeOpenAI(req runner.ProviderRequest) ([]byte, error) {
	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, map[string]any{"role": "system", "content": messageText(m)})

		case models.RoleAssistant:
			msg := map[string]any{"role": "assistant"}
			var toolCalls []map[string]any
			var text strings.Builder
			for _, b := range m.Content {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolUse:
					args := string(b.Input)
					if args == "" {
						args = "{}"
					}
					toolCalls = append(toolCalls, map[string]any{
						"id":   b.ID,
						"type": "function",
						"function": map[string]any{
							"name":      b.Name,
							"arguments": args,
						},
					})
				}
			}
			if text.Len() > 0 {
				msg["content"] = text.String()
			}
			if len(toolCalls) > 0 {
				msg["tool_calls"] = toolCalls
			}
			messages = append(messages, msg)

		default:
			// Tool results carry their own role on this wire; any text
			// blocks in the same message stay a user message.
			var text strings.Builder
			for _, b := range m.Content {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolResult:
					content := b.Content
					if b.IsError {
						content = "Error: " + content
					}
					messages = append(messages, map[string]any{
						"role":         "tool",
						"tool_call_id": b.ToolUseID,
						"content":      content,
					})
				}
			}
			if text.Len() > 0 {
				messages = append(messages, map[string]any{"role": "user", "content": text.String()})
			}
		}
	}

	body := map[string]any{
		"model":          req.Model,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
		"messages":       messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = defaultSchema
			}
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  schema,
				},
			})
		}
		body["tools"] = tools
	}
	return json.Marshal(body)
}

// encodeGemini builds a streamGenerateContent request. functionResponse
// parts need the original function name, recovered from the matching
// tool_use block earlier in the conversation.
func encodeGemini(req runner.ProviderRequest) ([]byte, error) {
	system := req.System
	toolNames := make(map[string]string)
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Type == models.BlockToolUse {
				toolNames[b.ID] = b.Name
			}
		}
	}

	var contents []map[string]any
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = joinSystem(system, messageText(m))
			continue
		}
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}

		var parts []map[string]any
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				parts = append(parts, map[string]any{"text": b.Text})
			case models.BlockToolUse:
				args := b.Input
				if len(args) == 0 {
					args = emptyObject
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": b.Name, "args": args},
				})
			case models.BlockToolResult:
				name, ok := toolNames[b.ToolUseID]
				if !ok {
					return nil, fmt.Errorf("apiproxy: tool result %q has no matching call", b.ToolUseID)
				}
				response := map[string]any{"content": b.Content}
				if b.IsError {
					response["error"] = true
				}
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{"name": name, "response": response},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	body := map[string]any{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{
				"name":        t.Name,
				"description": t.Description,
			}
			if len(t.InputSchema) > 0 {
				decl["parameters"] = t.InputSchema
			}
			decls = append(decls, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return json.Marshal(body)
}

// messageText concatenates a message's text blocks.
func messageText(m models.Message) string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == models.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func joinSystem(system, extra string) string {
	if extra == "" {
		return system
	}
	if system == "" {
		return extra
	}
	return system + "\n\n" + extra
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}
