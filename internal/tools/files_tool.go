package tools

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/internal/files"
	"github.com/robman/flohub/pkg/models"
)

var filesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["read_file", "write_file", "delete_file", "mkdir", "list_dir", "list_files", "frontmatter"]},
		"path": {"type": "string"},
		"content": {"type": "string"},
		"pattern": {"type": "string"}
	},
	"required": ["action"]
}`)

// newFilesTool serves filesystem actions against the agent sandbox.
func newFilesTool(sandbox *files.Sandbox) Tool {
	return NewTool("files",
		"Read, write, and list files in the agent's sandbox.",
		filesSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Action  string `json:"action"`
				Path    string `json:"path"`
				Content string `json:"content"`
				Pattern string `json:"pattern"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}

			switch args.Action {
			case "read_file":
				content, err := sandbox.ReadFile(args.Path)
				if err != nil {
					return models.ErrorResult("read_file: " + err.Error())
				}
				return models.ToolResult{Content: content}

			case "write_file":
				if err := sandbox.WriteFile(args.Path, args.Content); err != nil {
					return models.ErrorResult("write_file: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "delete_file":
				if err := sandbox.DeleteFile(args.Path); err != nil {
					return models.ErrorResult("delete_file: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "mkdir":
				if err := sandbox.Mkdir(args.Path); err != nil {
					return models.ErrorResult("mkdir: " + err.Error())
				}
				return models.ToolResult{Content: "ok"}

			case "list_dir":
				entries, err := sandbox.ListDir(args.Path)
				if err != nil {
					return models.ErrorResult("list_dir: " + err.Error())
				}
				return jsonResult(entries)

			case "list_files":
				paths, err := sandbox.ListFiles(args.Pattern)
				if err != nil {
					return models.ErrorResult("list_files: " + err.Error())
				}
				return jsonResult(paths)

			case "frontmatter":
				entries, err := sandbox.Frontmatter(args.Pattern)
				if err != nil {
					return models.ErrorResult("frontmatter: " + err.Error())
				}
				return jsonResult(entries)

			default:
				return models.ErrorResult("files: unknown action " + args.Action)
			}
		})
}

func jsonResult(v any) models.ToolResult {
	out, err := json.Marshal(v)
	if err != nil {
		return models.ErrorResult(err.Error())
	}
	return models.ToolResult{Content: string(out)}
}
