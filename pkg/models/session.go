// Package models defines the core data types shared across the hub:
// serialized agent sessions, conversation messages, per-agent store state,
// and schedules.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionVersion is the current serialization version for SerializedSession.
const SessionVersion = 2

// Role indicates the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message. Exactly one of the payload
// groups is populated, selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// Text payload (type == "text").
	Text string `json:"text,omitempty"`

	// Tool use payload (type == "tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result payload (type == "tool_result").
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is a single conversation entry.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// TurnID groups the messages belonging to one turn. Empty for
	// messages imported from older sessions.
	TurnID string `json:"turnId,omitempty"`
}

// TextMessage builds a single-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// NetworkPolicy restricts an agent's outbound fetch traffic.
type NetworkPolicy struct {
	AllowedHosts    []string `json:"allowedHosts,omitempty"`
	BlockedPatterns []string `json:"blockedPatterns,omitempty"`
}

// Budgets caps cumulative spend for an agent.
type Budgets struct {
	TokenBudget   int     `json:"tokenBudget,omitempty"`
	CostBudgetUSD float64 `json:"costBudgetUsd,omitempty"`
}

// HubConnection records the hub an agent is attached to.
type HubConnection struct {
	URL   string `json:"url,omitempty"`
	HubID string `json:"hubId,omitempty"`
}

// AgentConfig is the per-agent configuration carried inside a session.
type AgentConfig struct {
	Model         string         `json:"model"`
	Provider      string         `json:"provider"`
	Tools         []string       `json:"tools,omitempty"`
	MaxTokens     int            `json:"maxTokens,omitempty"`
	SystemPrompt  string         `json:"systemPrompt,omitempty"`
	Hub           *HubConnection `json:"hub,omitempty"`
	NetworkPolicy *NetworkPolicy `json:"networkPolicy,omitempty"`
	Budgets       *Budgets       `json:"budgets,omitempty"`
}

// FileEncoding identifies how a serialized file's content is encoded.
type FileEncoding string

const (
	EncodingUTF8   FileEncoding = "utf8"
	EncodingBase64 FileEncoding = "base64"
)

// FileEntry is one file in a session's serialized workspace.
type FileEntry struct {
	Path     string       `json:"path"`
	Content  string       `json:"content"`
	Encoding FileEncoding `json:"encoding"`
}

// SkillDependency names a skill the session depends on, with an inline
// fallback body used when the skill is not installed on the hub.
type SkillDependency struct {
	Name     string `json:"name"`
	Fallback string `json:"fallback,omitempty"`
}

// ExtensionDependency names a browser extension the session depends on.
type ExtensionDependency struct {
	Name     string `json:"name"`
	Fallback string `json:"fallback,omitempty"`
}

// Dependencies lists external pieces a session needs to run.
type Dependencies struct {
	Skills     []SkillDependency     `json:"skills,omitempty"`
	Extensions []ExtensionDependency `json:"extensions,omitempty"`
}

// HookRule wraps tool execution with a pre or post action.
type HookRule struct {
	Event  string `json:"event"` // "pre_tool" | "post_tool"
	Tool   string `json:"tool,omitempty"`
	Action string `json:"action"` // "allow" | "deny" | "log"
	Reason string `json:"reason,omitempty"`
}

// SessionMetadata carries bookkeeping persisted with a session.
type SessionMetadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	SerializedAt time.Time `json:"serializedAt"`
	TotalTokens  int       `json:"totalTokens,omitempty"`
	TotalCostUSD float64   `json:"totalCostUsd,omitempty"`
}

// SerializedSession is the at-rest representation of an agent.
type SerializedSession struct {
	Version      int               `json:"version"`
	AgentID      string            `json:"agentId"`
	Config       AgentConfig       `json:"config"`
	Conversation []Message         `json:"conversation"`
	Storage      map[string]any    `json:"storage,omitempty"`
	Files        []FileEntry       `json:"files,omitempty"`
	Dependencies *Dependencies     `json:"dependencies,omitempty"`
	Hooks        []HookRule        `json:"hooks,omitempty"`
	Metadata     SessionMetadata   `json:"metadata"`
}

// serializedSessionV1 is the legacy flat layout. Provider/model and the
// token counters lived at the top level before v2 introduced config and
// metadata sections.
type serializedSessionV1 struct {
	Version      int            `json:"version"`
	AgentID      string         `json:"agentId"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools"`
	MaxTokens    int            `json:"maxTokens"`
	Conversation []Message      `json:"conversation"`
	Storage      map[string]any `json:"storage"`
	Files        []FileEntry    `json:"files"`
	CreatedAt    time.Time      `json:"createdAt"`
	SerializedAt time.Time      `json:"serializedAt"`
	TotalTokens  int            `json:"totalTokens"`
	TotalCostUSD float64        `json:"totalCostUsd"`
}

// ParseSession decodes a serialized session, migrating v1 payloads to the
// current layout.
func ParseSession(data []byte) (*SerializedSession, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}

	switch probe.Version {
	case 0, 1:
		var v1 serializedSessionV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("parse v1 session: %w", err)
		}
		return migrateV1(&v1), nil
	case SessionVersion:
		var session SerializedSession
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("parse session: %w", err)
		}
		return &session, nil
	default:
		return nil, fmt.Errorf("unsupported session version %d", probe.Version)
	}
}

// migrateV1 lifts the flat v1 fields into config and metadata.
func migrateV1(v1 *serializedSessionV1) *SerializedSession {
	return &SerializedSession{
		Version: SessionVersion,
		AgentID: v1.AgentID,
		Config: AgentConfig{
			Model:     v1.Model,
			Provider:  v1.Provider,
			Tools:     v1.Tools,
			MaxTokens: v1.MaxTokens,
		},
		Conversation: v1.Conversation,
		Storage:      v1.Storage,
		Files:        v1.Files,
		Metadata: SessionMetadata{
			CreatedAt:    v1.CreatedAt,
			SerializedAt: v1.SerializedAt,
			TotalTokens:  v1.TotalTokens,
			TotalCostUSD: v1.TotalCostUSD,
		},
	}
}
