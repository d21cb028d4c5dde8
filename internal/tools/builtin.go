package tools

import (
	"context"
	"encoding/json"

	"github.com/robman/flohub/internal/files"
	"github.com/robman/flohub/internal/state"
	"github.com/robman/flohub/pkg/models"
)

// ScheduleService is the scheduler surface the schedule tool needs.
type ScheduleService interface {
	Add(agentID string, s *models.Schedule) (*models.Schedule, error)
	Remove(agentID, scheduleID string) error
	List(agentID string) []models.Schedule
	SetEnabled(agentID, scheduleID string, enabled bool) error
	Timezone() string
}

// SkillService is the skill manager surface the skill tools need.
type SkillService interface {
	List() []models.Skill
	Get(name string) (models.Skill, error)
	Load(ctx context.Context, name string) (models.Skill, error)
	Create(name, content string) (models.Skill, error)
	Remove(name string) error
}

// Deps wires the local collaborators tools dispatch against. Nil fields
// shift the corresponding tools to browser routing (or error results
// when no browser is connected).
type Deps struct {
	AgentID     string
	Config      models.AgentConfig
	State       *state.Store
	Files       *files.Sandbox
	Scheduler   ScheduleService
	Skills      SkillService
	GetMessages func() []models.Message

	// BashDir confines the bash tool's working directory. Empty
	// disables the bash tool entirely.
	BashDir string

	// BrowserAvailable reports whether a browser can serve routed
	// tools; used only by the capabilities synthesis.
	BrowserAvailable func() bool
}

// RegisterBuiltins registers every locally served tool the deps can
// support.
func RegisterBuiltins(reg *Registry, deps Deps) {
	reg.Register(newCapabilitiesTool(deps))

	if deps.BashDir != "" {
		reg.Register(newBashTool(deps.BashDir))
	}
	if deps.Files != nil {
		reg.Register(newFilesTool(deps.Files))
	}
	if deps.State != nil {
		reg.Register(newStateTool(deps.State))
	}
	if deps.Scheduler != nil && deps.AgentID != "" {
		reg.Register(newScheduleTool(deps.AgentID, deps.Scheduler))
	}
	if deps.GetMessages != nil {
		reg.Register(newContextSearchTool(deps.GetMessages))
	}
	if deps.Skills != nil {
		registerSkillTools(reg, deps.Skills)
	}
}

// newCapabilitiesTool synthesizes the agent's capability report from
// its config and which side-channels are wired.
func newCapabilitiesTool(deps Deps) Tool {
	return NewTool("capabilities",
		"Report this agent's model, tools, and wired hub capabilities.",
		nil,
		func(ctx context.Context, _ json.RawMessage) models.ToolResult {
			browser := deps.BrowserAvailable != nil && deps.BrowserAvailable()
			report := map[string]any{
				"model":     deps.Config.Model,
				"provider":  deps.Config.Provider,
				"tools":     deps.Config.Tools,
				"state":     deps.State != nil,
				"files":     deps.Files != nil,
				"scheduler": deps.Scheduler != nil,
				"skills":    deps.Skills != nil,
				"bash":      deps.BashDir != "",
				"browser":   browser,
			}
			out, err := json.Marshal(report)
			if err != nil {
				return models.ErrorResult("capabilities: " + err.Error())
			}
			return models.ToolResult{Content: string(out)}
		})
}
