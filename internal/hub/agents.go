package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robman/flohub/internal/audit"
	"github.com/robman/flohub/internal/browse"
	"github.com/robman/flohub/internal/files"
	"github.com/robman/flohub/internal/runner"
	"github.com/robman/flohub/internal/state"
	"github.com/robman/flohub/internal/tools"
	"github.com/robman/flohub/pkg/models"
)

// agentEntry is one live agent: its runner, state store, and tool
// executor.
type agentEntry struct {
	runner   *runner.Runner
	state    *state.Store
	executor *tools.Executor
}

func (h *Hub) agent(id string) (*agentEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.agents[id]
	return entry, ok
}

// persistAgent stores an incoming serialized agent: session snapshot,
// store state, and workspace files. A live agent cannot be overwritten.
func (h *Hub) persistAgent(raw []byte) (string, error) {
	session, err := models.ParseSession(raw)
	if err != nil {
		return "", err
	}
	if session.AgentID == "" {
		return "", fmt.Errorf("session missing agentId")
	}
	if _, live := h.agent(session.AgentID); live {
		return "", fmt.Errorf("agent %s is running; stop it before persisting", session.AgentID)
	}

	st := &models.AgentStoreState{
		State:       models.AgentStopped,
		TotalTokens: session.Metadata.TotalTokens,
		TotalCost:   session.Metadata.TotalCostUSD,
		SavedAt:     time.Now(),
	}
	if err := h.store.Save(session.AgentID, session, st); err != nil {
		return "", err
	}

	if len(session.Files) > 0 {
		sandbox, err := files.NewSandbox(h.store.FilesRoot(session.AgentID))
		if err != nil {
			return "", fmt.Errorf("open files root: %w", err)
		}
		if err := sandbox.Unpack(session.Files); err != nil {
			return "", fmt.Errorf("unpack files: %w", err)
		}
	}
	return session.AgentID, nil
}

// restoreAgent loads a persisted agent and starts its runner. Restoring
// a live agent returns its current summary.
func (h *Hub) restoreAgent(id string) (models.AgentSummary, error) {
	if entry, live := h.agent(id); live {
		return entry.runner.Describe(), nil
	}

	session, _, err := h.store.Load(id)
	if err != nil {
		return models.AgentSummary{}, err
	}
	entry, err := h.startAgent(session)
	if err != nil {
		return models.AgentSummary{}, err
	}
	return entry.runner.Describe(), nil
}

// startAgent wires one agent's state store, sandbox, tool registry,
// executor, hooks, and runner.
func (h *Hub) startAgent(session *models.SerializedSession) (*agentEntry, error) {
	id := session.AgentID
	provider, err := h.proxy.ProviderFor(session.Config.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", session.Config.Provider, err)
	}

	st := state.NewStore()
	for key, value := range session.Storage {
		if err := st.Set(key, value); err != nil {
			h.logger.Warn("stored value dropped on restore", "agent", id, "key", key, "error", err)
		}
	}

	sandbox, err := files.NewSandbox(h.store.FilesRoot(id))
	if err != nil {
		return nil, fmt.Errorf("open files root: %w", err)
	}

	entry := &agentEntry{state: st}
	reg := tools.NewRegistry()
	deps := tools.Deps{
		AgentID:   id,
		Config:    session.Config,
		State:     st,
		Files:     sandbox,
		Scheduler: h.scheduler,
		BashDir:   h.store.AgentDir(id),
		GetMessages: func() []models.Message {
			if entry.runner == nil {
				return nil
			}
			return entry.runner.Messages()
		},
		BrowserAvailable: func() bool { return h.router.HasClient(id) },
	}
	if h.skills != nil {
		deps.Skills = h.skills
	}
	tools.RegisterBuiltins(reg, deps)
	if h.browse.Enabled() {
		reg.Register(browse.NewTool(h.browse, id))
	}
	if h.audit != nil {
		reg.Register(audit.NewLogTool(h.audit, id))
	}

	execOpts := []tools.ExecutorOption{
		tools.WithRouter(h.router),
		tools.WithAudit(h.auditSink()),
	}
	executor := tools.NewExecutor(id, reg, execOpts...)
	applyHookRules(executor, session.Hooks, h.logger.With("agent", id))
	entry.executor = executor

	entry.runner = runner.New(session, provider, executor, h.store, st, h.sinkFor(id))

	// Escalations wake the agent with their message on a matching
	// mutation.
	st.Listen(func(change state.Change) {
		if change.Deleted {
			return
		}
		if msg, fired := st.EvaluateEscalation(change.Key, change.Value); fired {
			if err := entry.runner.PostUserMessage(msg); err != nil {
				h.logger.Warn("escalation message dropped", "agent", id, "error", err)
			}
		}
	})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		entry.runner.Close()
		return nil, fmt.Errorf("hub is shutting down")
	}
	h.agents[id] = entry
	h.mu.Unlock()
	h.metrics.RunnerStarted()
	h.logger.Info("agent started", "agent", id, "model", session.Config.Model, "provider", session.Config.Provider)
	return entry, nil
}

// stopAgent closes the runner and removes the live entry; the persisted
// snapshot remains restorable.
func (h *Hub) stopAgent(id string) bool {
	h.mu.Lock()
	entry, ok := h.agents[id]
	delete(h.agents, id)
	h.mu.Unlock()
	if !ok {
		return false
	}

	entry.runner.Close()
	h.metrics.RunnerStopped()
	h.screencasts.StopAgent(id)
	h.browse.CloseAgent(id)
	if _, held := h.intervenes.Release(id, ""); held {
		h.logger.Info("intervention released on agent stop", "agent", id)
	}
	h.logger.Info("agent stopped", "agent", id)
	return true
}

// deleteAgent stops the agent and removes its persisted data and
// schedules.
func (h *Hub) deleteAgent(id string) error {
	h.stopAgent(id)
	h.scheduler.RemoveAgent(id)
	return h.store.Delete(id)
}

// agentAction applies one lifecycle verb.
func (h *Hub) agentAction(id, action string) error {
	switch action {
	case "stop":
		entry, ok := h.agent(id)
		if !ok {
			return fmt.Errorf("agent not running: %s", id)
		}
		entry.runner.Stop()
		return nil
	case "close":
		if !h.stopAgent(id) {
			return fmt.Errorf("agent not running: %s", id)
		}
		return nil
	case "delete":
		return h.deleteAgent(id)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// listAgents merges live runners with persisted snapshots.
func (h *Hub) listAgents() []models.AgentSummary {
	h.mu.Lock()
	live := make(map[string]models.AgentSummary, len(h.agents))
	for id, entry := range h.agents {
		live[id] = entry.runner.Describe()
	}
	h.mu.Unlock()

	out := make([]models.AgentSummary, 0, len(live))
	for _, summary := range live {
		out = append(out, summary)
	}
	for _, summary := range h.store.List() {
		if _, isLive := live[summary.HubAgentID]; !isLive {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HubAgentID < out[j].HubAgentID })
	return out
}

// auditSink fans tool executions to the audit store and metrics.
func (h *Hub) auditSink() tools.AuditSink {
	sinks := []tools.AuditSink{h.metrics}
	if h.audit != nil {
		sinks = append(sinks, h.audit)
	}
	return auditFan(sinks)
}

type auditFan []tools.AuditSink

func (f auditFan) RecordToolCall(agentID, toolName string, isError bool, duration time.Duration) {
	for _, sink := range f {
		sink.RecordToolCall(agentID, toolName, isError, duration)
	}
}

// applyHookRules installs the session's declarative tool hooks.
func applyHookRules(executor *tools.Executor, rules []models.HookRule, logger *slog.Logger) {
	for _, rule := range rules {
		rule := rule
		var filter []string
		if rule.Tool != "" {
			filter = []string{rule.Tool}
		}
		switch {
		case rule.Event == "pre_tool" && rule.Action == "deny":
			executor.OnPreTool(func(_ context.Context, hc *tools.HookContext) error {
				reason := rule.Reason
				if reason == "" {
					reason = "tool denied by session policy"
				}
				hc.Deny(reason)
				return nil
			}, filter...)
		case rule.Event == "pre_tool" && rule.Action == "log":
			executor.OnPreTool(func(_ context.Context, hc *tools.HookContext) error {
				logger.Info("tool call", "tool", hc.ToolName)
				return nil
			}, filter...)
		case rule.Event == "post_tool" && rule.Action == "log":
			executor.OnPostTool(func(_ context.Context, hc *tools.HookContext) error {
				logger.Info("tool done", "tool", hc.ToolName, "is_error", hc.IsError, "duration", hc.Duration)
				return nil
			}, filter...)
		}
	}
}
