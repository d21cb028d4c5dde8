package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/robman/flohub/internal/pathutil"
	"github.com/robman/flohub/pkg/models"
)

// bashTimeout caps one command execution.
const bashTimeout = 60 * time.Second

// maxBashOutput truncates combined output returned to the model.
const maxBashOutput = 64 * 1024

var bashSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "description": "Shell command to run"},
		"cwd": {"type": "string", "description": "Working directory, relative to the agent sandbox"}
	},
	"required": ["command"]
}`)

// newBashTool runs shell commands confined to the agent's sandbox
// directory. A cwd outside the sandbox is rejected.
func newBashTool(sandboxDir string) Tool {
	return NewTool("bash",
		"Run a shell command inside the agent sandbox.",
		bashSchema,
		func(ctx context.Context, input json.RawMessage) models.ToolResult {
			var args struct {
				Command string `json:"command"`
				Cwd     string `json:"cwd"`
			}
			if err := decodeInput(input, &args); err != nil {
				return models.ErrorResult(err.Error())
			}
			if strings.TrimSpace(args.Command) == "" {
				return models.ErrorResult("bash: command is required")
			}

			cwd := sandboxDir
			if args.Cwd != "" {
				resolved, err := pathutil.ValidateFilePath(args.Cwd, sandboxDir)
				if err != nil {
					return models.ErrorResult("bash: cwd outside sandbox: " + err.Error())
				}
				cwd = resolved
			}

			runCtx, cancel := context.WithTimeout(ctx, bashTimeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
			cmd.Dir = cwd
			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf

			err := cmd.Run()
			out := buf.String()
			if len(out) > maxBashOutput {
				out = out[:maxBashOutput] + "\n[output truncated]"
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return models.ErrorResult(fmt.Sprintf("bash: command timed out after %s\n%s", bashTimeout, out))
			}
			if err != nil {
				return models.ErrorResult(fmt.Sprintf("bash: %v\n%s", err, out))
			}
			return models.ToolResult{Content: out}
		})
}
