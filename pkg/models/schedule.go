package models

import (
	"encoding/json"
	"time"
)

// ScheduleType discriminates cron timers from event triggers.
type ScheduleType string

const (
	ScheduleCron  ScheduleType = "cron"
	ScheduleEvent ScheduleType = "event"
)

// Schedule is one reactive trigger owned by an agent. Exactly one of
// CronExpression or (EventName, EventCondition) is set, matching Type, and
// exactly one of Message or (Tool, ToolInput) describes the firing action.
type Schedule struct {
	ID         string       `json:"id"`
	HubAgentID string       `json:"hubAgentId"`
	Type       ScheduleType `json:"type"`
	Enabled    bool         `json:"enabled"`
	RunCount   int          `json:"runCount"`
	MaxRuns    int          `json:"maxRuns,omitempty"`
	LastRunAt  *time.Time   `json:"lastRunAt,omitempty"`

	CronExpression string `json:"cronExpression,omitempty"`
	EventName      string `json:"eventName,omitempty"`
	EventCondition string `json:"eventCondition,omitempty"`

	Message   string          `json:"message,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
}
