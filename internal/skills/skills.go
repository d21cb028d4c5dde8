// Package skills manages declarative skill definitions: markdown files
// with yaml frontmatter, loaded with capability gating and created
// subject to client approval.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/robman/flohub/pkg/models"
)

var (
	ErrNotFound      = errors.New("skills: skill not found")
	ErrAlreadyExists = errors.New("skills: skill already exists")
	ErrGated         = errors.New("skills: capability requirement not met")
	ErrDenied        = errors.New("skills: creation denied")
	ErrBadName       = errors.New("skills: invalid skill name")
)

// skillNamePattern matches safe skill file basenames.
var skillNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// frontmatter is the yaml header of a skill definition.
type frontmatter struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// Approver asks a connected client to approve a skill creation. The
// implementation is expected to time-bound the request.
type Approver interface {
	RequestApproval(ctx context.Context, skill models.Skill) (bool, error)
}

// Manager owns the skills directory.
type Manager struct {
	root     string
	approver Approver
	logger   *slog.Logger

	// lookBin is swappable for gating tests.
	lookBin func(name string) bool

	mu     sync.RWMutex
	skills map[string]models.Skill
}

// Option configures a Manager.
type Option func(*Manager)

// WithApprover wires the creation approver.
func WithApprover(a Approver) Option {
	return func(m *Manager) { m.approver = a }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates the skills directory and loads existing
// definitions.
func NewManager(root string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("skills: create root: %w", err)
	}
	m := &Manager{
		root:   root,
		logger: slog.Default().With("component", "skills"),
		lookBin: func(name string) bool {
			_, err := exec.LookPath(name)
			return err == nil
		},
		skills: make(map[string]models.Skill),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload rescans the skills directory, replacing the cache. Unparseable
// files are skipped with a warning.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("skills: read root: %w", err)
	}

	loaded := make(map[string]models.Skill)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		if !skillNamePattern.MatchString(name) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		skill, err := parseSkillFile(name, path)
		if err != nil {
			m.logger.Warn("skill skipped", "file", e.Name(), "error", err)
			continue
		}
		loaded[name] = skill
	}

	m.mu.Lock()
	m.skills = loaded
	m.mu.Unlock()
	return nil
}

// parseSkillFile reads a definition: yaml frontmatter between ---
// fences, then the markdown body.
func parseSkillFile(name, path string) (models.Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Skill{}, err
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	var fm frontmatter
	body := content
	if strings.HasPrefix(content, "---\n") {
		rest := content[4:]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return models.Skill{}, errors.New("unterminated frontmatter")
		}
		if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
			return models.Skill{}, fmt.Errorf("frontmatter: %w", err)
		}
		body = strings.TrimPrefix(rest[end+4:], "\n")
	}

	return models.Skill{
		Name:         name,
		Description:  fm.Description,
		Capabilities: fm.Capabilities,
		Content:      body,
		Path:         path,
	}, nil
}

// List returns all skills, sorted by name, without content.
func (m *Manager) List() []models.Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Skill, 0, len(m.skills))
	for _, s := range m.skills {
		s.Content = ""
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill's full record.
func (m *Manager) Get(name string) (models.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[name]
	if !ok {
		return models.Skill{}, ErrNotFound
	}
	return s, nil
}

// Load returns a skill after checking its capability requirements.
// Requirements use "bin:<name>" and "env:<NAME>" forms; a bare entry is
// treated as a binary requirement.
func (m *Manager) Load(_ context.Context, name string) (models.Skill, error) {
	skill, err := m.Get(name)
	if err != nil {
		return models.Skill{}, err
	}
	for _, cap := range skill.Capabilities {
		if err := m.checkCapability(cap); err != nil {
			return models.Skill{}, err
		}
	}
	return skill, nil
}

func (m *Manager) checkCapability(capability string) error {
	kind, value, ok := strings.Cut(capability, ":")
	if !ok {
		kind, value = "bin", capability
	}
	switch kind {
	case "bin":
		if !m.lookBin(value) {
			return fmt.Errorf("%w: binary %q not on PATH", ErrGated, value)
		}
	case "env":
		if _, set := os.LookupEnv(value); !set {
			return fmt.Errorf("%w: env %q not set", ErrGated, value)
		}
	default:
		return fmt.Errorf("%w: unknown capability kind %q", ErrGated, kind)
	}
	return nil
}

// Create writes a new skill definition, subject to approval when an
// approver is wired.
func (m *Manager) Create(name, content string) (models.Skill, error) {
	if !skillNamePattern.MatchString(name) {
		return models.Skill{}, ErrBadName
	}

	m.mu.RLock()
	_, exists := m.skills[name]
	m.mu.RUnlock()
	if exists {
		return models.Skill{}, ErrAlreadyExists
	}

	path := filepath.Join(m.root, name+".md")
	candidate := models.Skill{Name: name, Content: content, Path: path}

	if m.approver != nil {
		approved, err := m.approver.RequestApproval(context.Background(), candidate)
		if err != nil {
			return models.Skill{}, fmt.Errorf("skills: approval: %w", err)
		}
		if !approved {
			return models.Skill{}, ErrDenied
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return models.Skill{}, fmt.Errorf("skills: write: %w", err)
	}
	skill, err := parseSkillFile(name, path)
	if err != nil {
		return models.Skill{}, err
	}

	m.mu.Lock()
	m.skills[name] = skill
	m.mu.Unlock()
	return skill, nil
}

// Remove deletes a skill definition.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	skill, ok := m.skills[name]
	if ok {
		delete(m.skills, name)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := os.Remove(skill.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("skills: remove: %w", err)
	}
	return nil
}
