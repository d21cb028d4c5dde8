package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robman/flohub/pkg/models"
)

type recordingPoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *recordingPoster) PostScheduledMessage(agentID, scheduleID, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, agentID+"/"+message)
}

func (p *recordingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingExecutor) Execute(_ context.Context, agentID, tool string, _ json.RawMessage) models.ToolResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, agentID+"/"+tool)
	return models.ToolResult{Content: "ok"}
}

func cronSchedule(expr, message string) *models.Schedule {
	return &models.Schedule{Type: models.ScheduleCron, CronExpression: expr, Message: message}
}

func eventSchedule(name, condition, message string) *models.Schedule {
	return &models.Schedule{Type: models.ScheduleEvent, EventName: name, EventCondition: condition, Message: message}
}

func TestAddValidation(t *testing.T) {
	s := New()
	tests := []struct {
		name    string
		sched   *models.Schedule
		wantErr bool
	}{
		{"valid cron", cronSchedule("*/5 * * * *", "tick"), false},
		{"bad cron", cronSchedule("not a cron", "tick"), true},
		{"six fields", cronSchedule("0 * * * * *", "tick"), true},
		{"valid event", eventSchedule("temp_changed", "> 30", "hot"), false},
		{"event always", eventSchedule("poll", "always", "go"), false},
		{"bad condition", eventSchedule("poll", "sometimes", "go"), true},
		{"event missing name", &models.Schedule{Type: models.ScheduleEvent, Message: "x"}, true},
		{"no action", &models.Schedule{Type: models.ScheduleCron, CronExpression: "* * * * *"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, err := s.Add("agent-1", tt.sched)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Add error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (added.ID == "" || !added.Enabled) {
				t.Errorf("added = %+v", added)
			}
		})
	}
}

func TestScheduleLimit(t *testing.T) {
	s := New()
	for i := 0; i < MaxSchedulesPerAgent; i++ {
		if _, err := s.Add("agent-1", cronSchedule("* * * * *", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if _, err := s.Add("agent-1", cronSchedule("* * * * *", "overflow")); !errors.Is(err, ErrTooManySchedules) {
		t.Errorf("err = %v, want ErrTooManySchedules", err)
	}
	// Other agents are unaffected.
	if _, err := s.Add("agent-2", cronSchedule("* * * * *", "ok")); err != nil {
		t.Errorf("agent-2 Add: %v", err)
	}
}

func TestCronTickFiresAndDeduplicates(t *testing.T) {
	poster := &recordingPoster{}
	s := New()
	s.SetPoster(poster)

	if _, err := s.Add("agent-1", cronSchedule("30 9 * * *", "morning")); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 8, 26, 9, 30, 0, 0, time.Local)
	if fired := s.Tick(at); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	// Same minute, later second: deduplicated.
	if fired := s.Tick(at.Add(20 * time.Second)); fired != 0 {
		t.Errorf("same-minute refire = %d, want 0", fired)
	}
	// Wrong minute: not due.
	if fired := s.Tick(at.Add(time.Minute)); fired != 0 {
		t.Errorf("9:31 fire = %d, want 0", fired)
	}
	s.Wait()
	if poster.count() != 1 {
		t.Errorf("posts = %d, want 1", poster.count())
	}
}

func TestCronStepExpression(t *testing.T) {
	s := New()
	s.SetPoster(&recordingPoster{})
	if _, err := s.Add("agent-1", cronSchedule("*/15 * * * *", "q")); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	steps := []struct {
		offset time.Duration
		want   int
	}{
		{0, 1},
		{5 * time.Minute, 0},
		{15 * time.Minute, 1},
		{22 * time.Minute, 0},
		{30 * time.Minute, 1},
	}
	for _, step := range steps {
		if fired := s.Tick(base.Add(step.offset)); fired != step.want {
			t.Errorf("offset %s: fired = %d, want %d", step.offset, fired, step.want)
		}
	}
	s.Wait()
}

func TestMaxRunsAutoDisables(t *testing.T) {
	poster := &recordingPoster{}
	s := New()
	s.SetPoster(poster)

	sched := cronSchedule("* * * * *", "each minute")
	sched.MaxRuns = 2
	added, err := s.Add("agent-1", sched)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)
	for i := 0; i < 4; i++ {
		s.Tick(base.Add(time.Duration(i) * time.Minute))
		s.Wait()
	}

	list := s.List("agent-1")
	if len(list) != 1 {
		t.Fatalf("schedules = %d", len(list))
	}
	got := list[0]
	if got.ID != added.ID || got.RunCount != 2 || got.Enabled {
		t.Errorf("schedule after max runs = %+v", got)
	}
	if poster.count() != 2 {
		t.Errorf("posts = %d, want 2", poster.count())
	}
}

func TestPublishConditions(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		payload   any
		want      int
	}{
		{"always", "always", nil, 1},
		{"changed", "changed", "anything", 1},
		{"empty condition", "", 5, 1},
		{"comparison true", "> 30", 31, 1},
		{"comparison false", "> 30", 12, 0},
		{"string equality", `== "open"`, "open", 1},
		{"string inequality", `!= "open"`, "open", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poster := &recordingPoster{}
			s := New()
			s.SetPoster(poster)
			if _, err := s.Add("agent-1", eventSchedule("door", tt.condition, "notify")); err != nil {
				t.Fatal(err)
			}
			if fired := s.Publish("door", tt.payload); fired != tt.want {
				t.Errorf("fired = %d, want %d", fired, tt.want)
			}
			if fired := s.Publish("other_event", tt.payload); fired != 0 {
				t.Errorf("unrelated event fired %d schedules", fired)
			}
			s.Wait()
		})
	}
}

func TestToolFiring(t *testing.T) {
	executor := &recordingExecutor{}
	s := New()
	s.SetExecutor(executor)

	sched := &models.Schedule{
		Type:      models.ScheduleEvent,
		EventName: "refresh",
		Tool:      "state",
		ToolInput: json.RawMessage(`{"action":"get_all"}`),
	}
	if _, err := s.Add("agent-1", sched); err != nil {
		t.Fatal(err)
	}

	s.Publish("refresh", nil)
	s.Wait()

	executor.mu.Lock()
	defer executor.mu.Unlock()
	if len(executor.calls) != 1 || executor.calls[0] != "agent-1/state" {
		t.Errorf("calls = %v", executor.calls)
	}
}

func TestRemoveAndRemoveAgent(t *testing.T) {
	s := New()
	added, err := s.Add("agent-1", cronSchedule("* * * * *", "x"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("agent-1", added.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("agent-1", added.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove err = %v", err)
	}

	s.Add("agent-2", cronSchedule("* * * * *", "a"))
	s.Add("agent-2", eventSchedule("e", "", "b"))
	s.RemoveAgent("agent-2")
	if got := s.List("agent-2"); len(got) != 0 {
		t.Errorf("schedules after RemoveAgent = %d", len(got))
	}
}

func TestSetEnabled(t *testing.T) {
	poster := &recordingPoster{}
	s := New()
	s.SetPoster(poster)
	added, err := s.Add("agent-1", eventSchedule("ping", "", "pong"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetEnabled("agent-1", added.ID, false); err != nil {
		t.Fatal(err)
	}
	if fired := s.Publish("ping", nil); fired != 0 {
		t.Errorf("disabled schedule fired %d times", fired)
	}

	if err := s.SetEnabled("agent-1", added.ID, true); err != nil {
		t.Fatal(err)
	}
	if fired := s.Publish("ping", nil); fired != 1 {
		t.Errorf("re-enabled schedule fired %d times", fired)
	}
	s.Wait()
}
