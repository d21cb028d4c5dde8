// Package state implements the per-agent key/value store with size caps,
// synchronous change listeners, and escalation rules.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Store limits.
const (
	MaxKeys      = 1000
	MaxValueSize = 1 << 20  // 1 MB per value
	MaxTotalSize = 10 << 20 // 10 MB per agent
)

// Store errors.
var (
	ErrNotFound      = errors.New("state: key not found")
	ErrTooManyKeys   = errors.New("state: too many keys")
	ErrValueTooLarge = errors.New("state: value too large")
	ErrStoreTooLarge = errors.New("state: total size limit exceeded")
)

// Escalation associates a condition with a state key. When a mutation of
// the key satisfies the condition, the agent is woken with the message.
type Escalation struct {
	Condition string `json:"condition"`
	Message   string `json:"message,omitempty"`

	parsed *Condition
}

// Change describes one mutation, delivered synchronously to listeners.
type Change struct {
	Key      string
	Value    any
	Deleted  bool
	Previous any
	HadPrev  bool
}

// ListenerHandle deregisters a change listener.
type ListenerHandle struct {
	store *Store
	id    int
}

// Remove detaches the listener.
func (h ListenerHandle) Remove() {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	delete(h.store.listeners, h.id)
}

// Store is one agent's state map. All methods are safe for concurrent use;
// mutations and their listener callbacks are serialized under one lock so
// listeners observe changes in order.
type Store struct {
	mu          sync.Mutex
	values      map[string]any
	sizes       map[string]int
	totalSize   int
	escalations map[string]*Escalation
	listeners   map[int]func(Change)
	nextHandle  int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		values:      make(map[string]any),
		sizes:       make(map[string]int),
		escalations: make(map[string]*Escalation),
		listeners:   make(map[int]func(Change)),
	}
}

// Get returns the value for key.
func (s *Store) Get(key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// GetAll returns a shallow copy of the whole map.
func (s *Store) GetAll() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set stores a value. The three limits are checked before anything mutates;
// a refused set fires no listeners. Replacing a key counts only the size
// delta against the total.
func (s *Store) Set(key string, value any) error {
	size, err := estimateSize(value)
	if err != nil {
		return err
	}
	if size > MaxValueSize {
		return ErrValueTooLarge
	}

	s.mu.Lock()

	prev, hadPrev := s.values[key]
	if !hadPrev && len(s.values) >= MaxKeys {
		s.mu.Unlock()
		return ErrTooManyKeys
	}
	newTotal := s.totalSize - s.sizes[key] + size
	if newTotal > MaxTotalSize {
		s.mu.Unlock()
		return ErrStoreTooLarge
	}

	s.values[key] = value
	s.sizes[key] = size
	s.totalSize = newTotal

	change := Change{Key: key, Value: value, Previous: prev, HadPrev: hadPrev}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()

	prev, ok := s.values[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.values, key)
	s.totalSize -= s.sizes[key]
	delete(s.sizes, key)

	change := Change{Key: key, Deleted: true, Previous: prev, HadPrev: true}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// Listen registers a change listener and returns its deregistration handle.
func (s *Store) Listen(fn func(Change)) ListenerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextHandle
	s.nextHandle++
	s.listeners[id] = fn
	return ListenerHandle{store: s, id: id}
}

// SetEscalation installs or replaces an escalation rule for key.
func (s *Store) SetEscalation(key, condition, message string) error {
	parsed, err := ParseCondition(condition)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations[key] = &Escalation{Condition: condition, Message: message, parsed: parsed}
	return nil
}

// ClearEscalation removes the rule for key.
func (s *Store) ClearEscalation(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.escalations, key)
}

// Escalations returns a copy of the installed rules.
func (s *Store) Escalations() map[string]Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Escalation, len(s.escalations))
	for k, e := range s.escalations {
		out[k] = Escalation{Condition: e.Condition, Message: e.Message}
	}
	return out
}

// EvaluateEscalation checks a mutation of key against its rule. Returns the
// escalation message (or a default) and true when the rule fires.
func (s *Store) EvaluateEscalation(key string, value any) (string, bool) {
	s.mu.Lock()
	rule, ok := s.escalations[key]
	s.mu.Unlock()

	if !ok || rule.parsed == nil {
		return "", false
	}
	if !rule.parsed.Evaluate(value, true) {
		return "", false
	}
	message := rule.Message
	if message == "" {
		message = fmt.Sprintf("state key %q changed to %v (condition: %s)", key, value, rule.Condition)
	}
	return message, true
}

// snapshotListeners copies the listener set. Must be called with the lock
// held; callbacks run after release so they can re-enter the store.
func (s *Store) snapshotListeners() []func(Change) {
	out := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

// estimateSize measures a value by its JSON length.
func estimateSize(value any) (int, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state: value not serializable: %w", err)
	}
	return len(data), nil
}
