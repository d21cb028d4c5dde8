package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robman/flohub/pkg/models"
)

// BrowserRouter forwards a tool call to a connected browser client and
// waits for the correlated result.
type BrowserRouter interface {
	Route(ctx context.Context, agentID, toolName string, input json.RawMessage) models.ToolResult
	HasClient(agentID string) bool
}

// AuditSink records tool executions. Nil-safe by convention: the
// executor skips a nil sink.
type AuditSink interface {
	RecordToolCall(agentID, toolName string, isError bool, duration time.Duration)
}

// browserOnly lists tools that can only be served by a connected
// browser. Without one the executor returns an error result.
var browserOnly = map[string]bool{
	"view_state":     true,
	"audit_log":      true,
	"agent_respond":  true,
	"worker_message": true,
}

// browserPreferred lists tools routed to the browser when one is
// available; local fallbacks exist for some of them.
var browserPreferred = map[string]bool{
	"dom":   true,
	"runjs": true,
}

// toolAliases maps alternate call names onto the registered tool.
// An alias without a local registration keeps its own name so the
// browser can still serve it.
var toolAliases = map[string]string{
	"filesystem": "files",
}

// Executor dispatches tool calls: local tools from the registry first,
// then browser routing, then an error result. It never returns a Go
// error; every failure is an in-band ToolResult.
type Executor struct {
	agentID  string
	registry *Registry
	router   BrowserRouter
	audit    AuditSink
	logger   *slog.Logger

	mu        sync.RWMutex
	preHooks  []preHookEntry
	postHooks []postHookEntry
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRouter wires the browser tool router.
func WithRouter(r BrowserRouter) ExecutorOption {
	return func(e *Executor) { e.router = r }
}

// WithAudit wires the audit sink.
func WithAudit(a AuditSink) ExecutorOption {
	return func(e *Executor) { e.audit = a }
}

// WithExecutorLogger overrides the default logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor builds an executor over a registry for one agent.
func NewExecutor(agentID string, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		agentID:  agentID,
		registry: registry,
		logger:   slog.Default().With("component", "tools", "agent", agentID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// OnPreTool registers a pre-execution hook. An empty filter applies the
// hook to every tool.
func (e *Executor) OnPreTool(hook PreHook, toolFilter ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preHooks = append(e.preHooks, preHookEntry{hook: hook, tools: toolFilter})
}

// OnPostTool registers a post-execution hook.
func (e *Executor) OnPostTool(hook PostHook, toolFilter ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postHooks = append(e.postHooks, postHookEntry{hook: hook, tools: toolFilter})
}

// Execute runs one tool call end to end: pre hooks, dispatch, post
// hooks, audit.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) models.ToolResult {
	if len(name) == 0 || len(name) > MaxToolNameLength {
		return models.ErrorResult("invalid tool name")
	}
	if len(input) > MaxToolParamsSize {
		return models.ErrorResult(fmt.Sprintf("tool input exceeds %d bytes", MaxToolParamsSize))
	}

	hc := &HookContext{
		AgentID:    e.agentID,
		ToolName:   name,
		ToolCallID: uuid.NewString(),
		Input:      input,
		Decision:   DecisionAllow,
	}

	e.mu.RLock()
	pre := make([]preHookEntry, len(e.preHooks))
	copy(pre, e.preHooks)
	post := make([]postHookEntry, len(e.postHooks))
	copy(post, e.postHooks)
	e.mu.RUnlock()

	for _, entry := range pre {
		if !hookApplies(entry.tools, name) {
			continue
		}
		if err := entry.hook(ctx, hc); err != nil {
			e.logger.Warn("pre-tool hook failed", "tool", name, "error", err)
		}
		if hc.Decision == DecisionDeny {
			note := hc.DecisionNote
			if note == "" {
				note = "tool call denied by policy"
			}
			return models.ErrorResult(note)
		}
	}

	start := time.Now()
	result := e.dispatch(ctx, name, hc.Input)
	hc.Content = result.Content
	hc.IsError = result.IsError
	hc.Duration = time.Since(start)

	for _, entry := range post {
		if !hookApplies(entry.tools, name) {
			continue
		}
		if err := entry.hook(ctx, hc); err != nil {
			e.logger.Warn("post-tool hook failed", "tool", name, "error", err)
		}
	}
	result.Content = hc.Content
	result.IsError = hc.IsError

	if e.audit != nil {
		e.audit.RecordToolCall(e.agentID, name, result.IsError, hc.Duration)
	}
	e.logger.Debug("tool executed", "tool", name, "is_error", result.IsError, "duration", hc.Duration)
	return result
}

func (e *Executor) dispatch(ctx context.Context, name string, input json.RawMessage) models.ToolResult {
	if target, ok := toolAliases[name]; ok {
		if _, registered := e.registry.Get(target); registered {
			name = target
		}
	}

	routable := e.router != nil && e.router.HasClient(e.agentID)

	if browserOnly[name] {
		if routable {
			return e.router.Route(ctx, e.agentID, name, input)
		}
		// A local registration (e.g. the audit store's audit_log) can
		// stand in when no browser is connected.
		if tool, ok := e.registry.Get(name); ok {
			return safeExecute(ctx, tool, input)
		}
		return models.ErrorResult(fmt.Sprintf("tool %q requires a connected browser", name))
	}

	if browserPreferred[name] && routable {
		return e.router.Route(ctx, e.agentID, name, input)
	}

	if tool, ok := e.registry.Get(name); ok {
		return safeExecute(ctx, tool, input)
	}

	// No local implementation; a browser may still serve it.
	if routable {
		return e.router.Route(ctx, e.agentID, name, input)
	}
	return models.ErrorResult("tool not found: " + name)
}

// safeExecute converts a panicking tool into an error result.
func safeExecute(ctx context.Context, tool Tool, input json.RawMessage) (result models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name(), r))
		}
	}()
	return tool.Execute(ctx, input)
}
