package intervene

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRequestSingleHolder(t *testing.T) {
	m := NewManager(nil)

	s := m.Request("agent-1", "client-a", ModeVisible)
	if s == nil {
		t.Fatal("first request refused")
	}
	if s.Mode != ModeVisible || s.ClientID != "client-a" {
		t.Errorf("session = %+v", s)
	}

	if m.Request("agent-1", "client-b", ModeVisible) != nil {
		t.Error("second client granted an occupied agent")
	}
	// A different agent is independent.
	if m.Request("agent-2", "client-b", ModePrivate) == nil {
		t.Error("other agent refused")
	}
}

func TestReleaseRequiresMatchingClient(t *testing.T) {
	m := NewManager(nil)
	m.Request("agent-1", "client-a", ModeVisible)

	if _, ok := m.Release("agent-1", "client-b"); ok {
		t.Error("released by non-holder")
	}
	if _, ok := m.Get("agent-1"); !ok {
		t.Fatal("session gone after refused release")
	}

	if _, ok := m.Release("agent-1", "client-a"); !ok {
		t.Error("holder could not release")
	}
	if _, ok := m.Get("agent-1"); ok {
		t.Error("session survived release")
	}
}

func TestSystemRelease(t *testing.T) {
	m := NewManager(nil)
	m.Request("agent-1", "client-a", ModeVisible)

	if _, ok := m.Release("agent-1", ""); !ok {
		t.Error("system release refused")
	}
}

func TestReleaseByClient(t *testing.T) {
	m := NewManager(nil)
	m.Request("agent-1", "client-a", ModeVisible)
	m.Request("agent-2", "client-a", ModeVisible)
	m.Request("agent-3", "client-b", ModeVisible)

	released := m.ReleaseByClient("client-a")
	if len(released) != 2 {
		t.Errorf("released = %d, want 2", len(released))
	}
	if _, ok := m.Get("agent-3"); !ok {
		t.Error("other client's session released")
	}
}

func TestRecordEventCollapsesRuns(t *testing.T) {
	m := NewManager(nil)
	s := m.Request("agent-1", "client-a", ModeVisible)

	m.RecordEvent("agent-1", InputEvent{Type: "mousemove", X: 10, Y: 10})
	m.RecordEvent("agent-1", InputEvent{Type: "mousemove", X: 20, Y: 25})
	m.RecordEvent("agent-1", InputEvent{Type: "mousemove", X: 30, Y: 35})
	m.RecordEvent("agent-1", InputEvent{Type: "click", X: 30, Y: 35})
	m.RecordEvent("agent-1", InputEvent{Type: "scroll", DeltaY: 100})
	m.RecordEvent("agent-1", InputEvent{Type: "scroll", DeltaY: -30, DeltaX: 5})
	m.RecordEvent("agent-1", InputEvent{Type: "mousemove", X: 5, Y: 5})

	events := s.Events()
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4: %+v", len(events), events)
	}
	// The mousemove run kept only the last position.
	if events[0].X != 30 || events[0].Y != 35 {
		t.Errorf("collapsed mousemove = %+v", events[0])
	}
	// The scroll run accumulated net deltas.
	if events[2].DeltaY != 70 || events[2].DeltaX != 5 {
		t.Errorf("collapsed scroll = %+v", events[2])
	}
	// A non-consecutive mousemove starts a new entry.
	if events[3].Type != "mousemove" || events[3].X != 5 {
		t.Errorf("trailing event = %+v", events[3])
	}
}

func TestPrivateModeRecordsNothing(t *testing.T) {
	m := NewManager(nil)
	s := m.Request("agent-1", "client-a", ModePrivate)

	if !m.RecordEvent("agent-1", InputEvent{Type: "keypress", Key: "a"}) {
		t.Fatal("event for live session rejected")
	}
	if len(s.Events()) != 0 {
		t.Errorf("private session logged events: %+v", s.Events())
	}
	if s.Summary() != "" {
		t.Errorf("private summary = %q", s.Summary())
	}
}

func TestRecordEventUnknownAgent(t *testing.T) {
	m := NewManager(nil)
	if m.RecordEvent("nobody", InputEvent{Type: "click"}) {
		t.Error("event accepted for missing session")
	}
}

func TestSummaryRendersEntries(t *testing.T) {
	m := NewManager(nil)
	s := m.Request("agent-1", "client-a", ModeVisible)

	m.RecordEvent("agent-1", InputEvent{Type: "click", X: 12, Y: 40})
	m.RecordEvent("agent-1", InputEvent{Type: "keypress", Key: "Enter"})
	m.RecordEvent("agent-1", InputEvent{Type: "scroll", DeltaY: 100})
	m.RecordEvent("agent-1", InputEvent{Type: "scroll", DeltaY: -30, DeltaX: 5})

	got := s.Summary()
	for _, want := range []string{"clicked at (12, 40)", "pressed Enter", "scrolled by (5, 70)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary = %q, missing %q", got, want)
		}
	}
}

func TestSummaryCollapsedMousemoveRun(t *testing.T) {
	m := NewManager(nil)
	s := m.Request("agent-1", "client-a", ModeVisible)

	// A long mousemove run followed by clicks must summarize as one
	// final-position entry plus one entry per click.
	for i := 0; i < 200; i++ {
		m.RecordEvent("agent-1", InputEvent{Type: "mousemove", X: float64(i), Y: float64(2 * i)})
	}
	for i := 0; i < 3; i++ {
		m.RecordEvent("agent-1", InputEvent{Type: "click", X: 199, Y: 398})
	}

	got := s.Summary()
	if n := strings.Count(got, "mouse moved to ("); n != 1 {
		t.Errorf("mousemove entries = %d, want 1: %q", n, got)
	}
	if !strings.Contains(got, "mouse moved to (199, 398)") {
		t.Errorf("summary = %q, missing final position", got)
	}
	if n := strings.Count(got, "clicked at ("); n != 3 {
		t.Errorf("click entries = %d, want 3: %q", n, got)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	var mu sync.Mutex
	var timedOut []string
	m := NewManager(func(s *Session) {
		mu.Lock()
		timedOut = append(timedOut, s.AgentID)
		mu.Unlock()
	}, WithNow(clock), WithTimeout(time.Minute))

	m.Request("agent-idle", "client-a", ModeVisible)
	m.Request("agent-busy", "client-b", ModeVisible)

	// Activity on one session keeps it alive past the deadline.
	now = now.Add(50 * time.Second)
	m.RecordEvent("agent-busy", InputEvent{Type: "click"})

	now = now.Add(20 * time.Second)
	if n := m.Sweep(now); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timedOut) != 1 || timedOut[0] != "agent-idle" {
		t.Errorf("timed out = %v", timedOut)
	}
	if _, ok := m.Get("agent-busy"); !ok {
		t.Error("active session expired")
	}
}
