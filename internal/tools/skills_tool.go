package tools

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/pkg/models"
)

var skillNameSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`)

// registerSkillTools wires the five skill operations against the skill
// manager.
func registerSkillTools(reg *Registry, svc SkillService) {
	reg.Register(NewTool("list_skills",
		"List available skills with their descriptions.",
		nil,
		func(ctx context.Context, _ json.RawMessage) models.ToolResult {
			return jsonResult(svc.List())
		}))

	reg.Register(NewTool("get_skill",
		"Return a skill's metadata without loading its content.",
		skillNameSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Name string `json:"name"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			skill, err := svc.Get(args.Name)
			if err != nil {
				return models.ErrorResult("get_skill: " + err.Error())
			}
			skill.Content = ""
			return jsonResult(skill)
		}))

	reg.Register(NewTool("load_skill",
		"Load a skill's full content, checking its capability requirements.",
		skillNameSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Name string `json:"name"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			skill, err := svc.Load(ctx, args.Name)
			if err != nil {
				return models.ErrorResult("load_skill: " + err.Error())
			}
			return models.ToolResult{Content: skill.Content}
		}))

	reg.Register(NewTool("create_skill",
		"Create a new skill from markdown content with frontmatter.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["name", "content"]
		}`),
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			skill, err := svc.Create(args.Name, args.Content)
			if err != nil {
				return models.ErrorResult("create_skill: " + err.Error())
			}
			return jsonResult(skill)
		}))

	reg.Register(NewTool("remove_skill",
		"Delete a skill by name.",
		skillNameSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Name string `json:"name"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			if err := svc.Remove(args.Name); err != nil {
				return models.ErrorResult("remove_skill: " + err.Error())
			}
			return models.ToolResult{Content: "ok"}
		}))
}
