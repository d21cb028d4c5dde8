// Package hub is the WebSocket control plane: it authenticates clients,
// routes protocol messages to the subsystems, fans agent events out to
// subscribers, and serves the HTTP surface.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robman/flohub/internal/apiproxy"
	"github.com/robman/flohub/internal/audit"
	"github.com/robman/flohub/internal/browse"
	"github.com/robman/flohub/internal/config"
	"github.com/robman/flohub/internal/intervene"
	"github.com/robman/flohub/internal/metrics"
	"github.com/robman/flohub/internal/ratelimit"
	"github.com/robman/flohub/internal/runner"
	"github.com/robman/flohub/internal/safefetch"
	"github.com/robman/flohub/internal/scheduler"
	"github.com/robman/flohub/internal/screencast"
	"github.com/robman/flohub/internal/skills"
	"github.com/robman/flohub/internal/store"
	"github.com/robman/flohub/internal/toolrouter"
	"github.com/robman/flohub/pkg/models"
)

// closeAuthFailed is the close code sent after a failed auth exchange.
const closeAuthFailed = 4001

// Hub wires every subsystem behind one WebSocket protocol and HTTP
// surface.
type Hub struct {
	cfg     *config.Config
	hubID   string
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics

	store     *store.SessionStore
	scheduler *scheduler.Scheduler
	skills    *skills.Manager
	approvals *skills.ApprovalBroker
	router    *toolrouter.Router
	proxy     *apiproxy.Proxy
	fetcher   *safefetch.Fetcher
	browse    *browse.Service
	audit     *audit.Store // nil when no audit db is configured
	push      *PushManager

	intervenes   *intervene.Manager
	screencasts  *screencast.Manager
	streamTokens *screencast.TokenStore
	streamServer *screencast.StreamServer

	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[string]*client
	agents     map[string]*agentEntry
	subs       map[string]map[string]bool // agentID -> set of clientIDs
	lastClient map[string]string          // agentID -> most recent interacting client

	runCancel context.CancelFunc
	closed    bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New builds a hub from configuration. Serve starts the listeners;
// Close tears everything down.
func New(cfg *config.Config, opts ...Option) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hubID := cfg.Hub.ID
	if hubID == "" {
		hubID = uuid.NewString()
	}

	h := &Hub{
		cfg:        cfg,
		hubID:      hubID,
		logger:     slog.Default().With("component", "hub"),
		limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		metrics:    metrics.New(),
		clients:    make(map[string]*client),
		agents:     make(map[string]*agentEntry),
		subs:       make(map[string]map[string]bool),
		lastClient: make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The auth message gates the socket; CORS policy applies to
			// the HTTP surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.store = store.New(cfg.Paths.AgentStore, cfg.Paths.Sandbox)
	if err := h.store.Init(); err != nil {
		return nil, fmt.Errorf("hub: init store: %w", err)
	}

	h.scheduler = scheduler.New()
	bridge := schedulerBridge{hub: h}
	h.scheduler.SetPoster(bridge)
	h.scheduler.SetExecutor(bridge)

	h.router = toolrouter.New(h)
	h.approvals = skills.NewApprovalBroker(h)

	skillMgr, err := skills.NewManager(cfg.Paths.Skills, skills.WithApprover(h.approvals))
	if err != nil {
		return nil, fmt.Errorf("hub: init skills: %w", err)
	}
	h.skills = skillMgr

	h.proxy = apiproxy.New(cfg, apiproxy.WithLimiter(h.limiter))
	h.fetcher = safefetch.New(safefetch.Config{
		BlockedPatterns: cfg.FetchProxy.BlockedPatterns,
	})
	h.browse = browse.NewService(cfg.Tools.Browse)
	h.push = NewPushManager(cfg.Push.VAPIDPublicKey)

	if cfg.Paths.AuditDB != "" {
		auditStore, err := audit.Open(cfg.Paths.AuditDB)
		if err != nil {
			return nil, fmt.Errorf("hub: open audit db: %w", err)
		}
		h.audit = auditStore
	}

	h.intervenes = intervene.NewManager(h.interveneTimedOut)
	h.screencasts = screencast.NewManager(
		screencast.WithMaxSize(cfg.Tools.Browse.Viewport.Width, cfg.Tools.Browse.Viewport.Height))
	h.streamTokens = screencast.NewTokenStore()
	h.streamServer = screencast.NewStreamServer(h.screencasts, h.streamTokens, h.openAgentCDP, h.logger)

	return h, nil
}

// Serve runs the listener until ctx is canceled or the listener fails.
func (h *Hub) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.runCancel = cancel
	h.mu.Unlock()

	h.scheduler.Start(ctx)
	h.intervenes.Start(ctx)
	if err := h.skills.Reload(); err != nil {
		h.logger.Warn("initial skill load failed", "error", err)
	}
	go func() {
		if err := h.skills.Watch(ctx); err != nil {
			h.logger.Warn("skill watch unavailable", "error", err)
		}
	}()

	addr := net.JoinHostPort(h.cfg.Server.Host, fmt.Sprint(h.cfg.Server.Port))
	server := &http.Server{Addr: addr, Handler: h.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if h.cfg.Server.TLS.Cert != "" {
			errCh <- server.ListenAndServeTLS(h.cfg.Server.TLS.Cert, h.cfg.Server.TLS.Key)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	h.logger.Info("hub listening", "addr", addr, "tls", h.cfg.Server.TLS.Cert != "")

	select {
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close tears down runners, background loops, and stores.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel := h.runCancel
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	entries := make([]*agentEntry, 0, len(h.agents))
	for _, e := range h.agents {
		entries = append(entries, e)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "hub shutting down")
	}
	for _, e := range entries {
		e.runner.Close()
		h.metrics.RunnerStopped()
	}
	h.screencasts.CloseAll()
	h.scheduler.Stop()
	h.intervenes.Stop()
	h.browse.Close()
	if h.audit != nil {
		_ = h.audit.Close()
	}
	h.logger.Info("hub closed")
}

// handleWS upgrades one control-plane connection and runs its read
// loop.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	c := newClient(uuid.NewString(), remoteIP(r, h.cfg.Server.TrustProxy), conn, h.logger)
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.ClientConnected()

	defer h.clientDisconnected(c)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := parseFrame(raw)
		if err != nil {
			_ = c.send(errorMsg{Type: "error", Message: err.Error()})
			continue
		}
		h.metrics.MessageReceived(msg.Type)
		if !h.dispatch(c, msg) {
			return
		}
	}
}

// clientDisconnected removes the client and atomically releases every
// resource it held.
func (h *Hub) clientDisconnected(c *client) {
	c.close(websocket.CloseNormalClosure, "")

	h.mu.Lock()
	delete(h.clients, c.id)
	for agentID, set := range h.subs {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.subs, agentID)
		}
	}
	for agentID, clientID := range h.lastClient {
		if clientID == c.id {
			delete(h.lastClient, agentID)
		}
	}
	h.mu.Unlock()

	h.router.ClientDisconnected(c.id)
	for _, sess := range h.intervenes.ReleaseByClient(c.id) {
		h.finishIntervention(sess)
	}
	h.screencasts.StopClient(c.id)
	h.streamTokens.RevokeClient(c.id)
	h.push.ClientDisconnected(c.id)
	h.metrics.ClientDisconnected()
	h.logger.Debug("client disconnected", "client", c.id)
}

// authenticate runs the first-message contract.
func (h *Hub) authenticate(c *client, msg *inboundMessage) bool {
	if locked, _ := h.limiter.Locked(c.remoteIP); locked {
		h.metrics.AuthFailed()
		_ = c.send(authResultMsg{Type: "auth_result", Success: false, Error: "too many failed attempts"})
		c.close(closeAuthFailed, "rate limited")
		return false
	}

	if subtle.ConstantTimeCompare([]byte(msg.Token), []byte(h.cfg.Auth.Token)) != 1 {
		h.limiter.RecordFailure(c.remoteIP)
		h.metrics.AuthFailed()
		_ = c.send(authResultMsg{Type: "auth_result", Success: false, Error: "invalid token"})
		c.close(closeAuthFailed, "auth failed")
		return false
	}

	h.limiter.RecordSuccess(c.remoteIP)
	c.setAuthenticated()
	_ = c.send(authResultMsg{
		Type:            "auth_result",
		Success:         true,
		HubID:           h.hubID,
		HubName:         h.cfg.Hub.Name,
		SharedProviders: h.sharedProviders(),
		HTTPAPIURL:      h.httpAPIURL(),
	})
	_ = c.send(announceToolsMsg{Type: "announce_tools", Tools: h.announcedTools()})
	h.logger.Info("client authenticated", "client", c.id, "ip", c.remoteIP)
	return true
}

// sharedProviders lists providers the hub can proxy for.
func (h *Hub) sharedProviders() []string {
	seen := make(map[string]bool)
	for _, name := range []string{"anthropic", "openai", "gemini", "ollama"} {
		if h.cfg.ProviderKey(name) != "" {
			seen[name] = true
		}
	}
	for name := range h.cfg.Providers {
		seen[name] = true
	}
	for name := range h.cfg.CLI {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// httpAPIURL is the base clients use for the HTTP proxy surface.
func (h *Hub) httpAPIURL() string {
	scheme := "http"
	if h.cfg.Server.TLS.Cert != "" {
		scheme = "https"
	}
	host := h.cfg.Server.PublicHost
	if host == "" {
		host = h.cfg.Server.Host
	}
	return fmt.Sprintf("%s://%s/api", scheme, net.JoinHostPort(host, fmt.Sprint(h.cfg.Server.Port)))
}

// announcedTools is the hub-served tool catalog sent after auth.
func (h *Hub) announcedTools() []string {
	names := []string{"capabilities", "files", "state", "schedule", "context_search",
		"list_skills", "get_skill", "load_skill", "create_skill", "remove_skill", "bash"}
	if h.browse.Enabled() {
		names = append(names, "browse")
	}
	if h.audit != nil {
		names = append(names, "audit_log")
	}
	sort.Strings(names)
	return names
}

// PickClient implements the tool router transport: the agent's last
// interacting client wins, else any authenticated client.
func (h *Hub) PickClient(agentID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.lastClient[agentID]; ok {
		if c, live := h.clients[id]; live && c.authenticated() {
			return id, true
		}
	}
	for id, c := range h.clients {
		if c.authenticated() {
			return id, true
		}
	}
	return "", false
}

// SendToolRequest forwards a routed tool call to the chosen client.
func (h *Hub) SendToolRequest(clientID string, req toolrouter.Request) error {
	c, ok := h.clientByID(clientID)
	if !ok {
		return fmt.Errorf("hub: client %s gone", clientID)
	}
	h.metrics.MessageSent("browser_tool_request")
	return c.send(browserToolRequestMsg{Type: "browser_tool_request", Request: req})
}

// SendApprovalRequest implements the skill approval notifier.
func (h *Hub) SendApprovalRequest(id string, skill models.Skill) error {
	clientID, ok := h.PickClient("")
	if !ok {
		return fmt.Errorf("hub: no client to approve skill %s", skill.Name)
	}
	c, ok := h.clientByID(clientID)
	if !ok {
		return fmt.Errorf("hub: client %s gone", clientID)
	}
	h.metrics.MessageSent("skill_approval_request")
	return c.send(skillApprovalRequestMsg{Type: "skill_approval_request", ID: id, Skill: skill})
}

func (h *Hub) clientByID(id string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	return c, ok
}

// sinkFor builds the event sink fanning one agent's runner events out
// to its subscribers.
func (h *Hub) sinkFor(agentID string) runner.EventSink {
	return runner.SinkFunc(func(ev runner.Event) {
		h.mu.Lock()
		var targets []*client
		for clientID := range h.subs[agentID] {
			if c, ok := h.clients[clientID]; ok {
				targets = append(targets, c)
			}
		}
		h.mu.Unlock()

		msg := agentEventMsg{Type: "agent_event", HubAgentID: agentID, Event: ev}
		for _, c := range targets {
			if err := c.send(msg); err == nil {
				h.metrics.MessageSent("agent_event")
			}
		}
	})
}

// interveneTimedOut handles sweep-expired interventions.
func (h *Hub) interveneTimedOut(sess *intervene.Session) {
	h.logger.Info("intervention timed out", "agent", sess.AgentID, "client", sess.ClientID)
	h.finishIntervention(sess)
}

// finishIntervention composes the operator-activity notification and
// releases the runner.
func (h *Hub) finishIntervention(sess *intervene.Session) {
	var b strings.Builder
	if sess.Mode == intervene.ModePrivate {
		b.WriteString("A human operator intervened on your browser page; the input details are private.")
	} else {
		summary := sess.Summary()
		if summary == "" {
			summary = "no input recorded"
		}
		fmt.Fprintf(&b, "A human operator intervened on your browser page (%s).", summary)
	}
	if page, ok := h.browse.Get(sess.AgentID); ok {
		if snapshot, err := page.Snapshot(); err == nil && snapshot != "" {
			b.WriteString("\n\nCurrent page snapshot:\n")
			b.WriteString(snapshot)
		}
	}

	if h.audit != nil {
		ended := time.Now()
		h.audit.RecordIntervention(sess.AgentID, sess.ClientID, string(sess.Mode),
			len(sess.Events()), sess.Summary(), sess.StartedAt, ended)
	}

	if entry, ok := h.agent(sess.AgentID); ok {
		entry.runner.InterveneEnd(b.String())
	}
}

// openAgentCDP opens the screencast CDP channel against the agent's
// live page.
func (h *Hub) openAgentCDP(agentID string) (screencast.CDPChannel, error) {
	page, err := h.browse.PageFor(agentID)
	if err != nil {
		return nil, err
	}
	session, err := page.CDPSession()
	if err != nil {
		return nil, err
	}
	return screencast.NewPlaywrightChannel(session), nil
}

// schedulerBridge adapts the hub to the scheduler's poster and executor
// contracts.
type schedulerBridge struct {
	hub *Hub
}

func (b schedulerBridge) PostScheduledMessage(agentID, scheduleID, message string) {
	b.hub.metrics.ScheduleFired("message")
	entry, ok := b.hub.agent(agentID)
	if !ok {
		b.hub.logger.Warn("schedule fired for unknown agent", "agent", agentID, "schedule", scheduleID)
		return
	}
	if err := entry.runner.PostScheduledMessage(scheduleID, message); err != nil {
		b.hub.logger.Warn("scheduled message dropped", "agent", agentID, "error", err)
	}
}

func (b schedulerBridge) Execute(ctx context.Context, agentID, tool string, input json.RawMessage) models.ToolResult {
	b.hub.metrics.ScheduleFired("tool")
	entry, ok := b.hub.agent(agentID)
	if !ok {
		return models.ErrorResult("agent not running: " + agentID)
	}
	return entry.executor.Execute(ctx, tool, input)
}

// remoteIP extracts the client address, honoring X-Forwarded-For only
// behind a trusted proxy.
func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				return strings.TrimSpace(fwd[:i])
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
