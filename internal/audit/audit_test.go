package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestToolCallTrail(t *testing.T) {
	store := openTestStore(t)

	store.RecordToolCall("agent-1", "state", false, 12*time.Millisecond)
	store.RecordToolCall("agent-1", "bash", true, 1500*time.Millisecond)
	store.RecordToolCall("agent-2", "files", false, time.Millisecond)

	calls, err := store.ToolCalls("agent-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	// Newest first.
	if calls[0].ToolName != "bash" || !calls[0].IsError || calls[0].DurationMS != 1500 {
		t.Errorf("first = %+v", calls[0])
	}
	if calls[1].ToolName != "state" || calls[1].IsError {
		t.Errorf("second = %+v", calls[1])
	}
	if calls[0].CreatedAt.IsZero() {
		t.Error("created_at not recorded")
	}
}

func TestToolCallLimit(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 10; i++ {
		store.RecordToolCall("agent-1", "state", false, time.Millisecond)
	}
	calls, err := store.ToolCalls("agent-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Errorf("calls = %d, want 3", len(calls))
	}
}

func TestInterventionTrail(t *testing.T) {
	store := openTestStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	store.RecordIntervention("agent-1", "client-a", "visible", 4, "2 clicks, 1 keypress, 1 scroll", started, started.Add(time.Minute))
	store.RecordIntervention("agent-1", "", "private", 0, "", started, started.Add(30*time.Second))

	sessions, err := store.Interventions("agent-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions[0].Mode != "private" || sessions[0].EventCount != 0 {
		t.Errorf("first = %+v", sessions[0])
	}
	if sessions[1].ClientID != "client-a" || sessions[1].Summary != "2 clicks, 1 keypress, 1 scroll" {
		t.Errorf("second = %+v", sessions[1])
	}
	if !sessions[1].StartedAt.Equal(started) {
		t.Errorf("started_at = %v", sessions[1].StartedAt)
	}
}

func TestEmptyTrail(t *testing.T) {
	store := openTestStore(t)
	calls, err := store.ToolCalls("nobody", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("calls = %d", len(calls))
	}
}

func TestLogTool(t *testing.T) {
	store := openTestStore(t)
	store.RecordToolCall("agent-1", "state", false, time.Millisecond)
	store.RecordIntervention("agent-1", "client-a", "visible", 1, "1 click", time.Now(), time.Now())
	store.RecordToolCall("agent-2", "bash", true, time.Millisecond)

	tool := NewLogTool(store, "agent-1")
	if tool.Name() != "audit_log" {
		t.Fatalf("name = %s", tool.Name())
	}

	result := tool.Execute(context.Background(), nil)
	if result.IsError {
		t.Fatalf("error result: %s", result.Content)
	}
	var report struct {
		ToolCalls     []ToolCallEntry     `json:"tool_calls"`
		Interventions []InterventionEntry `json:"interventions"`
	}
	if err := json.Unmarshal([]byte(result.Content), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.ToolCalls) != 1 || report.ToolCalls[0].ToolName != "state" {
		t.Errorf("tool calls = %+v", report.ToolCalls)
	}
	if len(report.Interventions) != 1 || report.Interventions[0].Summary != "1 click" {
		t.Errorf("interventions = %+v", report.Interventions)
	}

	// A scoped kind only returns that trail.
	result = tool.Execute(context.Background(), json.RawMessage(`{"kind":"tool_calls"}`))
	if result.IsError {
		t.Fatalf("error result: %s", result.Content)
	}
	var scoped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(result.Content), &scoped); err != nil {
		t.Fatal(err)
	}
	if _, ok := scoped["interventions"]; ok {
		t.Error("interventions present in tool_calls kind")
	}

	result = tool.Execute(context.Background(), json.RawMessage(`{"kind":"bogus"}`))
	if !result.IsError {
		t.Error("unknown kind accepted")
	}
}
