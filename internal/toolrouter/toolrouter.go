// Package toolrouter forwards tool calls that must run in a browser to
// a connected client and correlates the asynchronous results back to
// the waiting executor.
package toolrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robman/flohub/pkg/models"
)

// DefaultTimeout bounds one browser round trip.
const DefaultTimeout = 60 * time.Second

// Request is the outbound browser_tool_request payload.
type Request struct {
	ID         string          `json:"id"`
	HubAgentID string          `json:"hubAgentId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Transport delivers requests to a specific client connection.
type Transport interface {
	// PickClient chooses the client to route an agent's tool call to:
	// the agent's last-active client, or any authenticated one.
	PickClient(agentID string) (clientID string, ok bool)

	// SendToolRequest writes the request to the client's socket.
	SendToolRequest(clientID string, req Request) error
}

// slot is a one-shot reply channel for a pending correlation id.
type slot struct {
	clientID string
	ch       chan models.ToolResult
}

// Router tracks pending correlation ids. Entries are created on
// outbound routing and destroyed on result arrival, timeout, or client
// disconnect.
type Router struct {
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*slot
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout overrides the per-call round-trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New builds a router over a transport.
func New(transport Transport, opts ...Option) *Router {
	r := &Router{
		transport: transport,
		timeout:   DefaultTimeout,
		logger:    slog.Default().With("component", "toolrouter"),
		pending:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasClient reports whether any client can serve the agent's calls.
func (r *Router) HasClient(agentID string) bool {
	_, ok := r.transport.PickClient(agentID)
	return ok
}

// Route sends one tool call to a browser and waits for the correlated
// result. All failure modes come back as error results.
func (r *Router) Route(ctx context.Context, agentID, toolName string, input json.RawMessage) models.ToolResult {
	clientID, ok := r.transport.PickClient(agentID)
	if !ok {
		return models.ErrorResult("no browser client available for tool " + toolName)
	}

	id := uuid.NewString()
	s := &slot{clientID: clientID, ch: make(chan models.ToolResult, 1)}

	r.mu.Lock()
	r.pending[id] = s
	r.mu.Unlock()

	req := Request{ID: id, HubAgentID: agentID, ToolName: toolName, Input: input}
	if err := r.transport.SendToolRequest(clientID, req); err != nil {
		r.remove(id)
		return models.ErrorResult("browser tool send failed: " + err.Error())
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case result := <-s.ch:
		return result
	case <-timer.C:
		r.remove(id)
		r.logger.Warn("browser tool timed out", "tool", toolName, "agent", agentID, "id", id)
		return models.ErrorResult("browser tool timed out: " + toolName)
	case <-ctx.Done():
		r.remove(id)
		return models.ErrorResult("browser tool canceled: " + ctx.Err().Error())
	}
}

// Resolve delivers a browser_tool_result to its waiting call. Unknown
// or already-resolved ids report false.
func (r *Router) Resolve(id string, result models.ToolResult) bool {
	r.mu.Lock()
	s, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.ch <- result
	return true
}

// ClientDisconnected resolves every pending entry targeted at the
// client with a synthetic error result.
func (r *Router) ClientDisconnected(clientID string) {
	r.mu.Lock()
	var orphaned []*slot
	for id, s := range r.pending {
		if s.clientID == clientID {
			delete(r.pending, id)
			orphaned = append(orphaned, s)
		}
	}
	r.mu.Unlock()

	for _, s := range orphaned {
		s.ch <- models.ErrorResult("browser client disconnected")
	}
}

// PendingCount returns the number of in-flight correlations.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
