// Package intervene tracks human take-over sessions: one intervener per
// agent, an input event log in visible mode, and an inactivity sweep
// that expires abandoned sessions.
package intervene

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout expires a session with no input activity.
	DefaultTimeout = 5 * time.Minute

	// sweepInterval is how often expired sessions are collected.
	sweepInterval = 30 * time.Second
)

// Mode controls whether intervener input is recorded.
type Mode string

const (
	// ModeVisible records a collapsed input event log for the agent's
	// post-intervention notification.
	ModeVisible Mode = "visible"

	// ModePrivate records nothing; the agent only learns that hidden
	// input occurred.
	ModePrivate Mode = "private"
)

// InputEvent is one intervener action relayed from the browser.
type InputEvent struct {
	Type   string  `json:"type"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	Key    string  `json:"key,omitempty"`
}

// Session is one active intervention.
type Session struct {
	AgentID      string
	ClientID     string
	Mode         Mode
	StartedAt    time.Time
	LastActivity time.Time

	events []InputEvent
}

// Events returns a copy of the recorded event log.
func (s *Session) Events() []InputEvent {
	out := make([]InputEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Summary renders the collapsed event log for the agent's notification,
// one entry per recorded event. A collapsed mousemove run renders as a
// single entry carrying its final position; a collapsed scroll run
// carries the net deltas. Private sessions summarize to nothing.
func (s *Session) Summary() string {
	if s.Mode != ModeVisible || len(s.events) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		switch ev.Type {
		case "mousemove":
			parts = append(parts, fmt.Sprintf("mouse moved to (%g, %g)", ev.X, ev.Y))
		case "click":
			parts = append(parts, fmt.Sprintf("clicked at (%g, %g)", ev.X, ev.Y))
		case "scroll":
			parts = append(parts, fmt.Sprintf("scrolled by (%g, %g)", ev.DeltaX, ev.DeltaY))
		case "keypress":
			parts = append(parts, "pressed "+ev.Key)
		default:
			parts = append(parts, ev.Type)
		}
	}
	return strings.Join(parts, "; ")
}

// Manager owns the per-agent intervention table.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	timeout   time.Duration
	onTimeout func(*Session)
	logger    *slog.Logger
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
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

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a manager. The onTimeout callback fires for each
// session the sweep expires; the hub uses it to release the agent.
func NewManager(onTimeout func(*Session), opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		timeout:   DefaultTimeout,
		onTimeout: onTimeout,
		logger:    slog.Default().With("component", "intervene"),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request claims the agent for a client. Returns nil when another
// client already holds it.
func (m *Manager) Request(agentID, clientID string, mode Mode) *Session {
	if mode != ModePrivate {
		mode = ModeVisible
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, occupied := m.sessions[agentID]; occupied {
		return nil
	}
	now := m.now()
	s := &Session{
		AgentID:      agentID,
		ClientID:     clientID,
		Mode:         mode,
		StartedAt:    now,
		LastActivity: now,
	}
	m.sessions[agentID] = s
	m.logger.Info("intervention started", "agent", agentID, "client", clientID, "mode", mode)
	return s
}

// Get returns the active session for an agent.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// Release ends the session. A non-empty clientID must match the holder;
// the system releases with an empty clientID.
func (m *Manager) Release(agentID, clientID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	if !ok {
		return nil, false
	}
	if clientID != "" && clientID != s.ClientID {
		return nil, false
	}
	delete(m.sessions, agentID)
	m.logger.Info("intervention ended", "agent", agentID, "client", s.ClientID)
	return s, true
}

// ReleaseByClient ends every session the client holds; used on
// disconnect. Returns the released sessions.
func (m *Manager) ReleaseByClient(clientID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []*Session
	for agentID, s := range m.sessions {
		if s.ClientID == clientID {
			delete(m.sessions, agentID)
			released = append(released, s)
		}
	}
	return released
}

// RecordEvent logs an intervener input event and refreshes the activity
// clock. Visible mode collapses runs: consecutive mousemoves keep only
// the last position, consecutive scrolls accumulate net deltas. Private
// mode records nothing beyond the activity refresh.
func (m *Manager) RecordEvent(agentID string, ev InputEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	if !ok {
		return false
	}
	s.LastActivity = m.now()
	if s.Mode != ModeVisible {
		return true
	}

	if n := len(s.events); n > 0 && s.events[n-1].Type == ev.Type {
		switch ev.Type {
		case "mousemove":
			s.events[n-1] = ev
			return true
		case "scroll":
			s.events[n-1].DeltaX += ev.DeltaX
			s.events[n-1].DeltaY += ev.DeltaY
			return true
		}
	}
	s.events = append(s.events, ev)
	return true
}

// Sweep expires sessions idle beyond the timeout and fires onTimeout
// for each. Returns the number expired.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for agentID, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.timeout {
			delete(m.sessions, agentID)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("intervention timed out", "agent", s.AgentID, "client", s.ClientID)
		if m.onTimeout != nil {
			m.onTimeout(s)
		}
	}
	return len(expired)
}

// Start runs the sweep loop until the context ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.stop = make(chan struct{})
	stop := m.stop
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.mu.Unlock()
	select {
	case <-stop:
	default:
		close(stop)
	}
	if done != nil {
		<-done
	}
}
