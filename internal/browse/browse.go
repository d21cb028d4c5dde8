// Package browse owns hub-side browser pages: one Playwright page per
// agent, created on demand and torn down with the agent. The intervene
// and screencast subsystems drive these pages.
package browse

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/robman/flohub/internal/config"
)

// ErrDisabled is returned when hub-side browsing is not configured.
var ErrDisabled = errors.New("browse: disabled")

// PageSession is one agent's live page.
type PageSession struct {
	AgentID   string
	Context   playwright.BrowserContext
	Page      playwright.Page
	CreatedAt time.Time
}

// Navigate loads a URL and waits for the load event.
func (s *PageSession) Navigate(url string) error {
	_, err := s.Page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	return err
}

// Snapshot returns the page's accessibility tree as the agent-facing
// page description.
func (s *PageSession) Snapshot() (string, error) {
	title, err := s.Page.Title()
	if err != nil {
		return "", fmt.Errorf("browse: snapshot: %w", err)
	}
	aria, err := s.Page.Locator("body").AriaSnapshot()
	if err != nil {
		return "", fmt.Errorf("browse: snapshot: %w", err)
	}
	return fmt.Sprintf("Page: %s (%s)\n%s", title, s.Page.URL(), aria), nil
}

// Screenshot captures the current viewport as JPEG bytes.
func (s *PageSession) Screenshot(quality int) ([]byte, error) {
	return s.Page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(quality),
	})
}

// CDPSession opens a raw CDP channel against the page; the screencast
// manager drives Page.startScreencast through it.
func (s *PageSession) CDPSession() (playwright.CDPSession, error) {
	return s.Context.NewCDPSession(s.Page)
}

func (s *PageSession) close() {
	if s.Page != nil {
		_ = s.Page.Close()
	}
	if s.Context != nil {
		_ = s.Context.Close()
	}
}

// Service manages the shared browser and the per-agent sessions.
type Service struct {
	cfg    config.BrowseConfig
	logger *slog.Logger

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	sessions map[string]*PageSession
	closed   bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService builds the browse service. The browser launches lazily on
// the first page request.
func NewService(cfg config.BrowseConfig, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   slog.Default().With("component", "browse"),
		sessions: make(map[string]*PageSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether hub-side browsing is configured on.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// ensureBrowser launches Playwright and the shared headless browser.
// Callers hold s.mu.
func (s *Service) ensureBrowser() error {
	if s.browser != nil {
		return nil
	}
	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return fmt.Errorf("browse: install playwright: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("browse: start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("browse: launch browser: %w", err)
	}
	s.pw = pw
	s.browser = browser
	return nil
}

// PageFor returns the agent's page session, creating it on first use.
func (s *Service) PageFor(agentID string) (*PageSession, error) {
	if !s.cfg.Enabled {
		return nil, ErrDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("browse: service closed")
	}
	if session, ok := s.sessions[agentID]; ok {
		return session, nil
	}
	if err := s.ensureBrowser(); err != nil {
		return nil, err
	}

	context, err := s.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  s.cfg.Viewport.Width,
			Height: s.cfg.Viewport.Height,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("browse: new context: %w", err)
	}
	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		return nil, fmt.Errorf("browse: new page: %w", err)
	}

	session := &PageSession{
		AgentID:   agentID,
		Context:   context,
		Page:      page,
		CreatedAt: time.Now(),
	}
	s.sessions[agentID] = session
	s.logger.Info("page session created", "agent", agentID)
	return session, nil
}

// Get returns the agent's session without creating one.
func (s *Service) Get(agentID string) (*PageSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[agentID]
	return session, ok
}

// CloseAgent tears down the agent's page, if any.
func (s *Service) CloseAgent(agentID string) {
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	delete(s.sessions, agentID)
	s.mu.Unlock()
	if ok {
		session.close()
		s.logger.Info("page session closed", "agent", agentID)
	}
}

// Close tears down every session and the shared browser.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*PageSession)
	browser, pw := s.browser, s.pw
	s.browser, s.pw = nil, nil
	s.mu.Unlock()

	for _, session := range sessions {
		session.close()
	}
	if browser != nil {
		_ = browser.Close()
	}
	if pw != nil {
		_ = pw.Stop()
	}
}
