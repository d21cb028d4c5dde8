// Package screencast relays live page frames to viewing clients. Each
// (client, agent) pair gets a CDP screencast session; frames flow out
// as binary WebSocket messages and acks flow back, driving an adaptive
// quality loop keyed on round-trip time.
package screencast

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQuality = 60
	minQuality     = 20
	maxQuality     = 80

	// maxPending caps the unacked frame table per stream; a stalled
	// client sheds its oldest entries instead of growing the map.
	maxPending = 100
)

// CDPChannel is the slice of a CDP session the manager needs. The
// browse package adapts a Playwright CDP session onto it.
type CDPChannel interface {
	Send(method string, params map[string]any) (any, error)
	On(event string, handler func(params map[string]any))
	Detach() error
}

type pendingFrame struct {
	cdpSessionID any
	sentAt       time.Time
}

type streamKey struct {
	agentID  string
	clientID string
}

// Stream is one live screencast.
type Stream struct {
	key    streamKey
	cdp    CDPChannel
	send   func(frame []byte) error
	logger *slog.Logger
	now    func() time.Time

	maxWidth  int
	maxHeight int

	mu        sync.Mutex
	quality   int
	nextFrame uint32
	pending   map[uint32]pendingFrame
	order     []uint32
	stopped   bool
}

// Quality returns the current JPEG quality.
func (s *Stream) Quality() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// PendingCount returns the number of unacked frames.
func (s *Stream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// start issues Page.startScreencast at the current quality.
func (s *Stream) start() error {
	s.mu.Lock()
	quality := s.quality
	s.mu.Unlock()
	_, err := s.cdp.Send("Page.startScreencast", map[string]any{
		"format":        "jpeg",
		"quality":       quality,
		"maxWidth":      s.maxWidth,
		"maxHeight":     s.maxHeight,
		"everyNthFrame": 1,
	})
	return err
}

// onFrame handles one Page.screencastFrame event: assign a frame
// number, remember the CDP session id for the ack, and push the binary
// frame to the client.
func (s *Stream) onFrame(params map[string]any) {
	data, _ := params["data"].(string)
	jpeg, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.logger.Warn("undecodable frame", "error", err)
		return
	}

	var width, height uint16
	if meta, ok := params["metadata"].(map[string]any); ok {
		if w, ok := meta["deviceWidth"].(float64); ok {
			width = uint16(w)
		}
		if h, ok := meta["deviceHeight"].(float64); ok {
			height = uint16(h)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.nextFrame++
	frameNum := s.nextFrame
	s.pending[frameNum] = pendingFrame{cdpSessionID: params["sessionId"], sentAt: s.now()}
	s.order = append(s.order, frameNum)
	for len(s.pending) > maxPending {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, oldest)
	}
	quality := s.quality
	s.mu.Unlock()

	frame := EncodeFrame(frameNum, width, height, uint8(quality), jpeg)
	if err := s.send(frame); err != nil {
		s.logger.Debug("frame send failed", "error", err)
	}
}

// ack maps the client's frame number back to the CDP session id,
// releases the frame, and feeds the RTT into the quality loop.
func (s *Stream) ack(frameNum uint32) error {
	s.mu.Lock()
	pending, ok := s.pending[frameNum]
	if ok {
		delete(s.pending, frameNum)
		for i, n := range s.order {
			if n == frameNum {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("screencast: unknown frame %d", frameNum)
	}

	if _, err := s.cdp.Send("Page.screencastFrameAck", map[string]any{
		"sessionId": pending.cdpSessionID,
	}); err != nil {
		return err
	}

	rtt := s.now().Sub(pending.sentAt)
	if changed := s.adjustQuality(rtt); changed {
		// Re-issue the screencast so the new quality takes effect.
		if err := s.start(); err != nil {
			s.logger.Warn("quality restart failed", "error", err)
		}
	}
	return nil
}

// adjustQuality applies the RTT buckets and reports whether the
// clamped quality moved.
func (s *Stream) adjustQuality(rtt time.Duration) bool {
	var delta int
	switch {
	case rtt > 300*time.Millisecond:
		delta = -10
	case rtt > 200*time.Millisecond:
		delta = -5
	case rtt < 50*time.Millisecond:
		delta = 5
	case rtt < 100*time.Millisecond:
		delta = 2
	}
	if delta == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.quality + delta
	if next < minQuality {
		next = minQuality
	}
	if next > maxQuality {
		next = maxQuality
	}
	if next == s.quality {
		return false
	}
	s.quality = next
	return true
}

// stop halts the screencast and detaches the CDP channel.
func (s *Stream) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if _, err := s.cdp.Send("Page.stopScreencast", nil); err != nil {
		s.logger.Debug("stopScreencast failed", "error", err)
	}
	if err := s.cdp.Detach(); err != nil {
		s.logger.Debug("cdp detach failed", "error", err)
	}
}

// Manager owns the active streams.
type Manager struct {
	logger    *slog.Logger
	now       func() time.Time
	maxWidth  int
	maxHeight int

	mu      sync.Mutex
	streams map[streamKey]*Stream
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaxSize caps the streamed frame dimensions.
func WithMaxSize(width, height int) Option {
	return func(m *Manager) {
		if width > 0 {
			m.maxWidth = width
		}
		if height > 0 {
			m.maxHeight = height
		}
	}
}

// NewManager builds an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:    slog.Default().With("component", "screencast"),
		now:       time.Now,
		maxWidth:  1280,
		maxHeight: 800,
		streams:   make(map[streamKey]*Stream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a screencast for the pair. An existing stream for the
// same pair is replaced.
func (m *Manager) Start(agentID, clientID string, cdp CDPChannel, send func(frame []byte) error) (*Stream, error) {
	key := streamKey{agentID: agentID, clientID: clientID}
	stream := &Stream{
		key:       key,
		cdp:       cdp,
		send:      send,
		logger:    m.logger.With("agent", agentID, "client", clientID),
		now:       m.now,
		maxWidth:  m.maxWidth,
		maxHeight: m.maxHeight,
		quality:   defaultQuality,
		pending:   make(map[uint32]pendingFrame),
	}

	m.mu.Lock()
	old := m.streams[key]
	m.streams[key] = stream
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	cdp.On("Page.screencastFrame", stream.onFrame)
	if err := stream.start(); err != nil {
		m.remove(key)
		return nil, fmt.Errorf("screencast: start: %w", err)
	}
	m.logger.Info("screencast started", "agent", agentID, "client", clientID)
	return stream, nil
}

// Ack processes a client frame ack.
func (m *Manager) Ack(agentID, clientID string, frameNum uint32) error {
	m.mu.Lock()
	stream, ok := m.streams[streamKey{agentID: agentID, clientID: clientID}]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("screencast: no stream for %s/%s", agentID, clientID)
	}
	return stream.ack(frameNum)
}

// Stop ends the pair's stream.
func (m *Manager) Stop(agentID, clientID string) {
	key := streamKey{agentID: agentID, clientID: clientID}
	m.mu.Lock()
	stream, ok := m.streams[key]
	delete(m.streams, key)
	m.mu.Unlock()
	if ok {
		stream.stop()
		m.logger.Info("screencast stopped", "agent", agentID, "client", clientID)
	}
}

// StopClient ends every stream a client holds; called on disconnect.
func (m *Manager) StopClient(clientID string) {
	m.stopMatching(func(key streamKey) bool { return key.clientID == clientID })
}

// StopAgent ends every stream viewing an agent; called on agent
// teardown.
func (m *Manager) StopAgent(agentID string) {
	m.stopMatching(func(key streamKey) bool { return key.agentID == agentID })
}

// CloseAll tears down every stream; called on hub shutdown.
func (m *Manager) CloseAll() {
	m.stopMatching(func(streamKey) bool { return true })
}

func (m *Manager) stopMatching(match func(streamKey) bool) {
	m.mu.Lock()
	var stopped []*Stream
	for key, stream := range m.streams {
		if match(key) {
			delete(m.streams, key)
			stopped = append(stopped, stream)
		}
	}
	m.mu.Unlock()
	for _, stream := range stopped {
		stream.stop()
	}
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) remove(key streamKey) {
	m.mu.Lock()
	delete(m.streams, key)
	m.mu.Unlock()
}
