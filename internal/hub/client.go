package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func closeDeadline() time.Time { return time.Now().Add(2 * time.Second) }

// outQueueSize buffers outbound frames per client. A client that cannot
// drain this backlog is closed rather than stalling the hub.
const outQueueSize = 256

// client is one WebSocket connection. Frames are written by a single
// writer goroutine so outbound order matches production order.
type client struct {
	id       string
	remoteIP string
	conn     *websocket.Conn
	logger   *slog.Logger

	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	authed bool
	closed bool
}

func newClient(id, remoteIP string, conn *websocket.Conn, logger *slog.Logger) *client {
	c := &client{
		id:       id,
		remoteIP: remoteIP,
		conn:     conn,
		logger:   logger.With("client", id),
		out:      make(chan []byte, outQueueSize),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) setAuthenticated() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// send marshals and queues one frame. A full queue closes the client;
// a slow consumer must not block everyone else's fanout.
func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return websocket.ErrCloseSent
	}
	select {
	case c.out <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.logger.Warn("outbound queue full, closing client")
		c.close(websocket.ClosePolicyViolation, "client too slow")
		return websocket.ErrCloseSent
	}
}

func (c *client) writeLoop() {
	for data := range c.out {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// close sends a close frame and shuts the connection down once.
func (c *client) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.out)
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), closeDeadline())
	_ = c.conn.Close()
	close(c.done)
}
