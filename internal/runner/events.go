package runner

// EventType identifies a runner event fanned out to subscribed clients.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventToolStart      EventType = "tool_start"
	EventToolResult     EventType = "tool_result"
	EventTurnComplete   EventType = "turn_complete"
	EventUsage          EventType = "usage"
	EventError          EventType = "error"
	EventBudgetExceeded EventType = "budget_exceeded"
	EventStateChange    EventType = "state_change"
)

// Event is one runner notification.
type Event struct {
	Type       EventType `json:"type"`
	HubAgentID string    `json:"hubAgentId"`
	TurnID     string    `json:"turnId,omitempty"`

	Text string `json:"text,omitempty"`

	ToolName  string `json:"toolName,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	State string `json:"state,omitempty"`

	TotalTokens  int     `json:"totalTokens,omitempty"`
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventSink receives runner events; the hub fans them out to the
// agent's subscribers.
type EventSink interface {
	AgentEvent(ev Event)
}

// SinkFunc adapts a closure into an EventSink.
type SinkFunc func(ev Event)

func (f SinkFunc) AgentEvent(ev Event) { f(ev) }
