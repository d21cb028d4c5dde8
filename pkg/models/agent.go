package models

import "time"

// AgentState describes the runner lifecycle of a hub-persisted agent.
type AgentState string

const (
	AgentIdle     AgentState = "idle"
	AgentRunning  AgentState = "running"
	AgentPaused   AgentState = "paused"
	AgentStopping AgentState = "stopping"
	AgentStopped  AgentState = "stopped"
	AgentError    AgentState = "error"
)

// AgentStoreState is the persisted runtime state sitting next to a session
// on disk (state.json).
type AgentStoreState struct {
	State       AgentState `json:"state"`
	TotalTokens int        `json:"totalTokens"`
	TotalCost   float64    `json:"totalCost"`
	SavedAt     time.Time  `json:"savedAt"`
}

// AgentSummary is the listing shape returned by the session store.
type AgentSummary struct {
	HubAgentID  string     `json:"hubAgentId"`
	Model       string     `json:"model"`
	Provider    string     `json:"provider"`
	State       AgentState `json:"state"`
	TotalTokens int        `json:"totalTokens"`
	SavedAt     time.Time  `json:"savedAt"`
}

// ToolResult is the outcome of one tool execution. Failures are carried
// in-band with IsError set; the executor never surfaces Go errors to the
// model.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an error-flagged tool result.
func ErrorResult(message string) ToolResult {
	return ToolResult{Content: message, IsError: true}
}
