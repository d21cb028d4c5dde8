package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robman/flohub/internal/intervene"
	"github.com/robman/flohub/internal/safefetch"
	"github.com/robman/flohub/pkg/models"
)

// dispatch routes one authenticated-or-auth frame. The return value
// reports whether the connection stays open.
func (h *Hub) dispatch(c *client, msg *inboundMessage) bool {
	if msg.Type == "auth" {
		return h.authenticate(c, msg)
	}
	if !c.authenticated() {
		_ = c.send(errorMsg{Type: "error", ID: msg.ID, Message: "not authenticated"})
		c.close(closeAuthFailed, "auth required")
		return false
	}

	switch msg.Type {
	case "tool_request":
		h.noteClientForAgent(c.id, msg.HubAgentID)
		go h.handleToolRequest(c, msg)
	case "fetch_request":
		go h.handleFetchRequest(c, msg)
	case "api_proxy_request":
		go h.handleAPIProxyRequest(c, msg)

	case "persist_agent":
		h.handlePersistAgent(c, msg)
	case "restore_agent":
		h.handleRestoreAgent(c, msg)
	case "list_hub_agents":
		_ = c.send(hubAgentsMsg{Type: "hub_agents", ID: msg.ID, Agents: h.listAgents()})
	case "agent_action":
		h.ack(c, msg.ID, h.agentAction(msg.HubAgentID, msg.Action))
	case "send_message":
		h.noteClientForAgent(c.id, msg.HubAgentID)
		h.handleSendMessage(c, msg)
	case "subscribe_agent":
		h.subscribe(c.id, msg.HubAgentID)
		h.ack(c, msg.ID, nil)
	case "unsubscribe_agent":
		h.unsubscribe(c.id, msg.HubAgentID)
		h.ack(c, msg.ID, nil)

	case "dom_state_update", "state_write_through":
		h.handleStateMirror(c, msg)

	case "push_subscribe":
		h.handlePushSubscribe(c, msg)
	case "push_verify_pin":
		ok := h.push.VerifyPin(c.id, msg.PIN)
		if ok {
			h.ack(c, msg.ID, nil)
		} else {
			_ = c.send(pushResultMsg{Type: "push_result", ID: msg.ID, Success: false, Error: "invalid pin"})
		}
	case "push_unsubscribe":
		endpoint := msg.Endpoint
		if endpoint == "" && msg.Subscription != nil {
			endpoint = msg.Subscription.Endpoint
		}
		h.push.Unsubscribe(c.id, endpoint)
		h.ack(c, msg.ID, nil)
	case "visibility_state":
		if msg.Visible != nil {
			h.push.SetVisibility(c.id, *msg.Visible)
		}

	case "browser_tool_result":
		result := models.ToolResult{Content: msg.Result.Content, IsError: msg.Result.IsError}
		if !h.router.Resolve(msg.ID, result) {
			h.logger.Debug("stale browser tool result", "id", msg.ID)
		}
	case "skill_approval_response":
		if !h.approvals.Resolve(msg.ID, *msg.Approved) {
			h.logger.Debug("stale approval response", "id", msg.ID)
		}

	case "browse_intervene_request":
		h.handleInterveneRequest(c, msg)
	case "browse_intervene_input":
		h.handleInterveneInput(c, msg)
	case "browse_intervene_release":
		h.handleInterveneRelease(c, msg)
	case "browse_stream_request":
		h.handleStreamRequest(c, msg)
	case "browse_stream_stop":
		h.screencasts.Stop(msg.HubAgentID, c.id)
		h.ack(c, msg.ID, nil)

	default:
		_ = c.send(errorMsg{Type: "error", ID: msg.ID, Message: "unknown message type: " + msg.Type})
	}
	return true
}

// ack sends the uniform success/error reply.
func (h *Hub) ack(c *client, id string, err error) {
	if err != nil {
		_ = c.send(ackMsg{Type: "ack", ID: id, Success: false, Error: err.Error()})
		return
	}
	_ = c.send(ackMsg{Type: "ack", ID: id, Success: true})
}

// noteClientForAgent remembers which client last drove an agent; the
// tool router prefers it.
func (h *Hub) noteClientForAgent(clientID, agentID string) {
	if agentID == "" {
		return
	}
	h.mu.Lock()
	h.lastClient[agentID] = clientID
	h.mu.Unlock()
}

func (h *Hub) subscribe(clientID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[agentID]
	if !ok {
		set = make(map[string]bool)
		h.subs[agentID] = set
	}
	set[clientID] = true
	h.lastClient[agentID] = clientID
}

func (h *Hub) unsubscribe(clientID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[agentID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.subs, agentID)
		}
	}
}

func (h *Hub) handleToolRequest(c *client, msg *inboundMessage) {
	entry, ok := h.agent(msg.HubAgentID)
	if !ok {
		_ = c.send(toolResultMsg{Type: "tool_result", ID: msg.ID,
			Result: wireToolResult{Content: "agent not running: " + msg.HubAgentID, IsError: true}})
		return
	}
	result := entry.executor.Execute(context.Background(), msg.ToolName, msg.Input)
	h.metrics.MessageSent("tool_result")
	_ = c.send(toolResultMsg{Type: "tool_result", ID: msg.ID,
		Result: wireToolResult{Content: result.Content, IsError: result.IsError}})
}

func (h *Hub) handleFetchRequest(c *client, msg *inboundMessage) {
	if !h.cfg.FetchProxy.Enabled {
		_ = c.send(fetchResultMsg{Type: "fetch_result", ID: msg.ID, Error: "fetch proxy disabled"})
		return
	}

	var body []byte
	if msg.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(msg.Body)
		if err != nil {
			_ = c.send(fetchResultMsg{Type: "fetch_result", ID: msg.ID, Error: "invalid body encoding"})
			return
		}
		body = decoded
	}

	resp, err := h.fetcher.Do(context.Background(), safefetch.Request{
		URL:     msg.URL,
		Method:  msg.Method,
		Headers: msg.Headers,
		Body:    body,
	})
	if err != nil {
		_ = c.send(fetchResultMsg{Type: "fetch_result", ID: msg.ID, Error: err.Error()})
		return
	}
	h.metrics.MessageSent("fetch_result")
	_ = c.send(fetchResultMsg{
		Type:    "fetch_result",
		ID:      msg.ID,
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    base64.StdEncoding.EncodeToString(resp.Body),
	})
}

// wsChunkSink bridges proxy output onto the client's socket.
type wsChunkSink struct {
	hub    *Hub
	client *client
	id     string
}

func (s wsChunkSink) Chunk(data []byte) error {
	s.hub.metrics.MessageSent("api_stream_chunk")
	return s.client.send(apiStreamChunkMsg{Type: "api_stream_chunk", ID: s.id, Chunk: string(data)})
}

func (s wsChunkSink) End() error {
	s.hub.metrics.MessageSent("api_stream_end")
	return s.client.send(apiStreamEndMsg{Type: "api_stream_end", ID: s.id})
}

func (s wsChunkSink) Error(message string) {
	s.hub.metrics.MessageSent("api_error")
	_ = s.client.send(apiErrorMsg{Type: "api_error", ID: s.id, Error: message})
}

func (h *Hub) handleAPIProxyRequest(c *client, msg *inboundMessage) {
	h.metrics.ProxyRequest(providerLabel(msg.Path))
	h.proxy.Forward(context.Background(), msg.Path, []byte(msg.Body), wsChunkSink{hub: h, client: c, id: msg.ID})
}

func (h *Hub) handlePersistAgent(c *client, msg *inboundMessage) {
	id, err := h.persistAgent(msg.Session)
	if err != nil {
		_ = c.send(persistResultMsg{Type: "persist_result", ID: msg.ID, Success: false, Error: err.Error()})
		return
	}
	_ = c.send(persistResultMsg{Type: "persist_result", ID: msg.ID, Success: true, HubAgentID: id})
}

func (h *Hub) handleRestoreAgent(c *client, msg *inboundMessage) {
	summary, err := h.restoreAgent(msg.HubAgentID)
	if err != nil {
		_ = c.send(restoreResultMsg{Type: "restore_result", ID: msg.ID, Success: false, Error: err.Error()})
		return
	}
	h.subscribe(c.id, msg.HubAgentID)
	_ = c.send(restoreResultMsg{Type: "restore_result", ID: msg.ID, Success: true, Agent: &summary})
}

func (h *Hub) handleSendMessage(c *client, msg *inboundMessage) {
	entry, ok := h.agent(msg.HubAgentID)
	if !ok {
		h.ack(c, msg.ID, errNotRunning(msg.HubAgentID))
		return
	}
	h.ack(c, msg.ID, entry.runner.PostUserMessage(msg.Text))
}

// handleStateMirror applies a browser-side state change to the hub
// store.
func (h *Hub) handleStateMirror(c *client, msg *inboundMessage) {
	entry, ok := h.agent(msg.HubAgentID)
	if !ok {
		if msg.Type == "state_write_through" {
			h.ack(c, msg.ID, errNotRunning(msg.HubAgentID))
		}
		return
	}

	var value any
	if len(msg.Value) > 0 {
		if err := json.Unmarshal(msg.Value, &value); err != nil {
			if msg.Type == "state_write_through" {
				h.ack(c, msg.ID, err)
			}
			return
		}
	}
	err := entry.state.Set(msg.Key, value)
	if msg.Type == "state_write_through" {
		h.ack(c, msg.ID, err)
	} else if err != nil {
		h.logger.Debug("dom state update refused", "agent", msg.HubAgentID, "key", msg.Key, "error", err)
	}
}

func (h *Hub) handlePushSubscribe(c *client, msg *inboundMessage) {
	pin, err := h.push.Subscribe(c.id, *msg.Subscription)
	if err != nil {
		_ = c.send(pushResultMsg{Type: "push_result", ID: msg.ID, Success: false, Error: err.Error()})
		return
	}
	// The PIN rides back on the control channel; the client proves the
	// push path works by echoing it from the push notification.
	_ = c.send(struct {
		Type    string `json:"type"`
		ID      string `json:"id,omitempty"`
		Success bool   `json:"success"`
		PIN     string `json:"pin"`
	}{Type: "push_pin", ID: msg.ID, Success: true, PIN: pin})
}

func (h *Hub) handleInterveneRequest(c *client, msg *inboundMessage) {
	mode := intervene.Mode(msg.Mode)
	sess := h.intervenes.Request(msg.HubAgentID, c.id, mode)
	if sess == nil {
		_ = c.send(interveneResultMsg{Type: "browse_intervene_result", ID: msg.ID,
			Success: false, HubAgentID: msg.HubAgentID, Error: "agent already has an intervener"})
		return
	}
	if entry, ok := h.agent(msg.HubAgentID); ok {
		entry.runner.InterveneStart()
	}
	h.noteClientForAgent(c.id, msg.HubAgentID)
	_ = c.send(interveneResultMsg{Type: "browse_intervene_result", ID: msg.ID,
		Success: true, HubAgentID: msg.HubAgentID, Mode: string(sess.Mode)})
}

func (h *Hub) handleInterveneInput(c *client, msg *inboundMessage) {
	sess, ok := h.intervenes.Get(msg.HubAgentID)
	if !ok || sess.ClientID != c.id {
		_ = c.send(errorMsg{Type: "error", ID: msg.ID, Message: "no intervention held for agent"})
		return
	}
	h.intervenes.RecordEvent(msg.HubAgentID, *msg.Event)
	if page, found := h.browse.Get(msg.HubAgentID); found {
		if err := page.ApplyInput(*msg.Event); err != nil {
			h.logger.Debug("intervene input failed", "agent", msg.HubAgentID, "error", err)
		}
	}
}

func (h *Hub) handleInterveneRelease(c *client, msg *inboundMessage) {
	sess, ok := h.intervenes.Release(msg.HubAgentID, c.id)
	if !ok {
		_ = c.send(interveneResultMsg{Type: "browse_intervene_result", ID: msg.ID,
			Success: false, HubAgentID: msg.HubAgentID, Error: "intervention not held by this client"})
		return
	}
	h.finishIntervention(sess)
	_ = c.send(interveneResultMsg{Type: "browse_intervene_result", ID: msg.ID,
		Success: true, HubAgentID: msg.HubAgentID})
}

func (h *Hub) handleStreamRequest(c *client, msg *inboundMessage) {
	if !h.browse.Enabled() {
		_ = c.send(errorMsg{Type: "error", ID: msg.ID, Message: "browse is disabled"})
		return
	}
	token := h.streamTokens.Issue(msg.HubAgentID, c.id)
	_ = c.send(streamTokenMsg{
		Type:       "browse_stream_token",
		ID:         msg.ID,
		HubAgentID: msg.HubAgentID,
		Token:      token,
		URL:        "/stream?token=" + token,
	})
}

func errNotRunning(id string) error {
	return fmt.Errorf("agent not running: %s", id)
}

// providerLabel extracts the provider segment from an /api/ path for
// the metrics label.
func providerLabel(p string) string {
	rest := strings.TrimPrefix(p, "/api/")
	if rest == "v1/messages" {
		return "anthropic"
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
