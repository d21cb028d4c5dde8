package screencast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/playwright-community/playwright-go"
)

// NewPlaywrightChannel adapts a Playwright CDP session onto the
// manager's channel contract.
func NewPlaywrightChannel(session playwright.CDPSession) CDPChannel {
	return playwrightChannel{session: session}
}

type playwrightChannel struct {
	session playwright.CDPSession
}

func (c playwrightChannel) Send(method string, params map[string]any) (any, error) {
	return c.session.Send(method, params)
}

func (c playwrightChannel) On(event string, handler func(params map[string]any)) {
	c.session.On(event, handler)
}

func (c playwrightChannel) Detach() error {
	return c.session.Detach()
}

// ackMessage is the client's per-frame acknowledgement.
type ackMessage struct {
	Type     string `json:"type"`
	FrameNum uint32 `json:"frameNum"`
}

// StreamServer serves the dedicated frame WebSocket. Clients connect
// with a one-shot token from the control plane; frames go out as
// binary messages and acks come back as JSON.
type StreamServer struct {
	manager *Manager
	tokens  *TokenStore
	openCDP func(agentID string) (CDPChannel, error)
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

// NewStreamServer wires the server. openCDP opens a CDP channel against
// the agent's page; the hub binds it to the browse service.
func NewStreamServer(manager *Manager, tokens *TokenStore, openCDP func(agentID string) (CDPChannel, error), logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default().With("component", "screencast-server")
	}
	return &StreamServer{
		manager: manager,
		tokens:  tokens,
		openCDP: openCDP,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32768,
			// Token auth gates the socket; origin checks stay with the
			// control plane's CORS policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades one viewer connection.
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, clientID, ok := s.tokens.Redeem(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "invalid stream token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cdp, err := s.openCDP(agentID)
	if err != nil {
		s.logger.Warn("cdp open failed", "agent", agentID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "no page"))
		return
	}

	var writeMu sync.Mutex
	send := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	if _, err := s.manager.Start(agentID, clientID, cdp, send); err != nil {
		s.logger.Warn("screencast start failed", "agent", agentID, "error", err)
		return
	}
	defer s.manager.Stop(agentID, clientID)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ack ackMessage
		if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "frame_ack" {
			continue
		}
		if err := s.manager.Ack(agentID, clientID, ack.FrameNum); err != nil {
			s.logger.Debug("ack failed", "error", err)
		}
	}
}
