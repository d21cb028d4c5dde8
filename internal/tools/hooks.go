package tools

import (
	"context"
	"encoding/json"
	"time"
)

// HookDecision is a pre-hook verdict.
type HookDecision string

const (
	DecisionAllow HookDecision = "allow"
	DecisionDeny  HookDecision = "deny"
)

// HookContext carries the call through pre- and post-tool hooks. Pre
// hooks may rewrite Input or deny the call; post hooks may rewrite the
// result.
type HookContext struct {
	AgentID    string
	ToolName   string
	ToolCallID string
	Input      json.RawMessage

	// Populated for post hooks.
	Content  string
	IsError  bool
	Duration time.Duration

	// Deny reason set by a pre hook; surfaced to the model verbatim.
	Decision     HookDecision
	DecisionNote string
}

// Deny marks the call denied. The note becomes the tool result the model
// sees.
func (h *HookContext) Deny(note string) {
	h.Decision = DecisionDeny
	h.DecisionNote = note
}

// PreHook runs before tool execution. Hooks apply to the tools listed in
// their registration filter, or to all tools when the filter is empty.
type PreHook func(ctx context.Context, hc *HookContext) error

// PostHook runs after tool execution.
type PostHook func(ctx context.Context, hc *HookContext) error

type preHookEntry struct {
	hook  PreHook
	tools []string
}

type postHookEntry struct {
	hook  PostHook
	tools []string
}

func hookApplies(filter []string, tool string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, name := range filter {
		if name == tool {
			return true
		}
	}
	return false
}
