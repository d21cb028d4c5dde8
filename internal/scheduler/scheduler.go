// Package scheduler drives agents' reactive triggers: a minute-aligned
// cron queue and an event bus sharing one agent-keyed schedule table.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/robman/flohub/internal/state"
	"github.com/robman/flohub/pkg/models"
)

// MaxSchedulesPerAgent caps one agent's schedule table.
const MaxSchedulesPerAgent = 10

// fireTimeout bounds one schedule firing.
const fireTimeout = 60 * time.Second

var (
	ErrTooManySchedules = errors.New("scheduler: agent schedule limit reached")
	ErrNotFound         = errors.New("scheduler: schedule not found")
)

// cronParser accepts the five-field grammar: minute hour day-of-month
// month day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// MessagePoster wakes an agent with a synthetic user message.
type MessagePoster interface {
	PostScheduledMessage(agentID, scheduleID, message string)
}

// ToolExecutor runs a schedule's tool action. Results are discarded.
type ToolExecutor interface {
	Execute(ctx context.Context, agentID, tool string, input json.RawMessage) models.ToolResult
}

// entry pairs a schedule with its parsed cron expression and firing
// guard.
type entry struct {
	schedule models.Schedule
	cron     cron.Schedule // nil for event schedules
	inFlight bool
}

// Scheduler owns every agent's schedules. Destroying an agent removes
// its whole table.
type Scheduler struct {
	poster   MessagePoster
	executor ToolExecutor
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]map[string]*entry // agentID -> scheduleID -> entry

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a scheduler. Poster and executor may be wired later via
// SetPoster/SetExecutor; schedules fired before wiring are skipped.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default().With("component", "scheduler"),
		now:    time.Now,
		agents: make(map[string]map[string]*entry),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPoster wires the message poster after construction.
func (s *Scheduler) SetPoster(p MessagePoster) {
	s.mu.Lock()
	s.poster = p
	s.mu.Unlock()
}

// SetExecutor wires the tool executor after construction.
func (s *Scheduler) SetExecutor(e ToolExecutor) {
	s.mu.Lock()
	s.executor = e
	s.mu.Unlock()
}

// Timezone returns the host timezone schedules resolve against.
func (s *Scheduler) Timezone() string {
	return s.now().Location().String()
}

// Add validates and stores a schedule, assigning its id.
func (s *Scheduler) Add(agentID string, sched *models.Schedule) (*models.Schedule, error) {
	if sched == nil {
		return nil, errors.New("scheduler: nil schedule")
	}

	e := &entry{schedule: *sched}
	e.schedule.HubAgentID = agentID
	e.schedule.ID = uuid.NewString()
	e.schedule.Enabled = true
	e.schedule.RunCount = 0
	e.schedule.LastRunAt = nil

	switch sched.Type {
	case models.ScheduleCron:
		parsed, err := cronParser.Parse(sched.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.CronExpression, err)
		}
		e.cron = parsed
	case models.ScheduleEvent:
		if sched.EventName == "" {
			return nil, errors.New("scheduler: event schedule requires eventName")
		}
		if sched.EventCondition != "" {
			if _, err := state.ParseCondition(sched.EventCondition); err != nil {
				return nil, fmt.Errorf("scheduler: invalid event condition: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("scheduler: unknown schedule type %q", sched.Type)
	}

	if sched.Message == "" && sched.Tool == "" {
		return nil, errors.New("scheduler: schedule requires a message or a tool action")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.agents[agentID]
	if table == nil {
		table = make(map[string]*entry)
		s.agents[agentID] = table
	}
	if len(table) >= MaxSchedulesPerAgent {
		return nil, ErrTooManySchedules
	}
	table[e.schedule.ID] = e

	out := e.schedule
	return &out, nil
}

// Remove deletes one schedule.
func (s *Scheduler) Remove(agentID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.agents[agentID]
	if _, ok := table[scheduleID]; !ok {
		return ErrNotFound
	}
	delete(table, scheduleID)
	return nil
}

// RemoveAgent drops an agent's whole schedule table.
func (s *Scheduler) RemoveAgent(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
}

// List returns copies of an agent's schedules.
func (s *Scheduler) List(agentID string) []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.agents[agentID]
	out := make([]models.Schedule, 0, len(table))
	for _, e := range table {
		out = append(out, e.schedule)
	}
	return out
}

// SetEnabled toggles one schedule.
func (s *Scheduler) SetEnabled(agentID, scheduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID][scheduleID]
	if !ok {
		return ErrNotFound
	}
	e.schedule.Enabled = enabled
	return nil
}

// Start launches the minute-aligned cron tick until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			// Align each wake-up to the start of the next minute.
			now := s.now()
			next := now.Truncate(time.Minute).Add(time.Minute)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
				s.Tick(s.now())
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}

// Tick evaluates every enabled cron schedule against the given time.
// Exported so tests can drive the clock directly.
func (s *Scheduler) Tick(now time.Time) int {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	var due []*entry
	for _, table := range s.agents {
		for _, e := range table {
			if !e.schedule.Enabled || e.cron == nil || e.inFlight {
				continue
			}
			// Duplicate firings within the same minute are prevented by
			// minute-resolution lastRunAt.
			if last := e.schedule.LastRunAt; last != nil && !last.Truncate(time.Minute).Before(minute) {
				continue
			}
			if !e.cron.Next(minute.Add(-time.Second)).Equal(minute) {
				continue
			}
			s.markFiring(e, minute)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e)
	}
	return len(due)
}

// Publish delivers an event to every matching event schedule. Returns
// the number of schedules fired.
func (s *Scheduler) Publish(eventName string, payload any) int {
	s.mu.Lock()
	now := s.now()
	var due []*entry
	for _, table := range s.agents {
		for _, e := range table {
			if !e.schedule.Enabled || e.schedule.Type != models.ScheduleEvent || e.inFlight {
				continue
			}
			if e.schedule.EventName != eventName {
				continue
			}
			if !conditionMatches(e.schedule.EventCondition, payload) {
				continue
			}
			s.markFiring(e, now)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e)
	}
	return len(due)
}

// conditionMatches evaluates an event condition against the payload.
// Every publication counts as a change, so "changed" is always truthy.
func conditionMatches(condition string, payload any) bool {
	if condition == "" {
		return true
	}
	cond, err := state.ParseCondition(condition)
	if err != nil {
		return false
	}
	return cond.Evaluate(payload, true)
}

// markFiring records the fire under the lock: run counting, minute
// stamping, and maxRuns auto-disable.
func (s *Scheduler) markFiring(e *entry, at time.Time) {
	e.inFlight = true
	e.schedule.RunCount++
	stamp := at
	e.schedule.LastRunAt = &stamp
	if e.schedule.MaxRuns > 0 && e.schedule.RunCount >= e.schedule.MaxRuns {
		e.schedule.Enabled = false
	}
}

// fire runs the schedule's action asynchronously. Overlapping fires for
// the same schedule are coalesced by the inFlight guard.
func (s *Scheduler) fire(e *entry) {
	sched := e.schedule

	s.mu.Lock()
	poster := s.poster
	executor := s.executor
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			e.inFlight = false
			s.mu.Unlock()
		}()

		switch {
		case sched.Message != "":
			if poster == nil {
				s.logger.Warn("schedule fired with no poster wired", "schedule", sched.ID)
				return
			}
			poster.PostScheduledMessage(sched.HubAgentID, sched.ID, sched.Message)

		case sched.Tool != "":
			if executor == nil {
				s.logger.Warn("schedule fired with no executor wired", "schedule", sched.ID)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
			defer cancel()
			// Fire-and-forget: the result is discarded, but state
			// changes it causes republish on the event bus.
			result := executor.Execute(ctx, sched.HubAgentID, sched.Tool, sched.ToolInput)
			if result.IsError {
				s.logger.Warn("scheduled tool failed", "schedule", sched.ID, "tool", sched.Tool, "error", result.Content)
			}
		}
	}()
}

// Wait blocks until all in-flight fires complete. Test helper.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
