package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/robman/flohub/pkg/models"
)

func testSession(id string) *models.SerializedSession {
	return &models.SerializedSession{
		Version: models.SessionVersion,
		AgentID: id,
		Config: models.AgentConfig{
			Model:    "claude-sonnet-4-20250514",
			Provider: "anthropic",
			Tools:    []string{"bash", "files"},
		},
		Conversation: []models.Message{
			models.TextMessage(models.RoleUser, "hello"),
		},
		Metadata: models.SessionMetadata{
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			SerializedAt: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
			TotalTokens:  1234,
		},
	}
}

func testState() *models.AgentStoreState {
	return &models.AgentStoreState{
		State:       models.AgentPaused,
		TotalTokens: 1234,
		TotalCost:   0.05,
		SavedAt:     time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC),
	}
}

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "agents"), filepath.Join(t.TempDir(), "sandbox"))
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	session := testSession("a1")
	st := testState()
	if err := s.Save("a1", session, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gotSession, gotState, err := s.Load("a1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(gotSession, session) {
		t.Errorf("session mismatch:\ngot  %+v\nwant %+v", gotSession, session)
	}
	if !reflect.DeepEqual(gotState, st) {
		t.Errorf("state mismatch:\ngot  %+v\nwant %+v", gotState, st)
	}
}

func TestSaveOverwrite(t *testing.T) {
	s := newTestStore(t)

	v1 := testSession("a1")
	if err := s.Save("a1", v1, testState()); err != nil {
		t.Fatal(err)
	}

	v2 := testSession("a1")
	v2.Conversation = append(v2.Conversation, models.TextMessage(models.RoleAssistant, "hi"))
	state2 := testState()
	state2.TotalTokens = 9999
	if err := s.Save("a1", v2, state2); err != nil {
		t.Fatal(err)
	}

	gotSession, gotState, err := s.Load("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gotSession.Conversation) != 2 {
		t.Errorf("conversation len = %d, want 2", len(gotSession.Conversation))
	}
	if gotState.TotalTokens != 9999 {
		t.Errorf("TotalTokens = %d, want 9999", gotState.TotalTokens)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("a1", testSession("a1"), testState()); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.AgentDir("a1"))
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	want := map[string]bool{"session.json": true, "state.json": true}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected file %s", n)
		}
	}
}

func TestSaveFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	s := newTestStore(t)
	if err := s.Save("a1", testSession("a1"), testState()); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"session.json", "state.json"} {
		info, err := os.Stat(filepath.Join(s.AgentDir("a1"), name))
		if err != nil {
			t.Fatal(err)
		}
		if mode := info.Mode().Perm(); mode != 0o600 {
			t.Errorf("%s mode = %o, want 600", name, mode)
		}
	}
}

func TestIDValidationAtEveryEntryPoint(t *testing.T) {
	s := newTestStore(t)
	bad := []string{"", "..", "a/b", `a\b`, "a b", "a\x00b", "a.b"}

	for _, id := range bad {
		t.Run("save_"+id, func(t *testing.T) {
			if err := s.Save(id, testSession(id), testState()); err == nil {
				t.Errorf("Save(%q) accepted invalid id", id)
			}
		})
		t.Run("load_"+id, func(t *testing.T) {
			if _, _, err := s.Load(id); err == nil {
				t.Errorf("Load(%q) accepted invalid id", id)
			}
		})
		t.Run("delete_"+id, func(t *testing.T) {
			if err := s.Delete(id); err == nil {
				t.Errorf("Delete(%q) accepted invalid id", id)
			}
		})
		t.Run("exists_"+id, func(t *testing.T) {
			if s.Exists(id) {
				t.Errorf("Exists(%q) = true for invalid id", id)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	sandboxRoot := t.TempDir()
	s := New(filepath.Join(t.TempDir(), "agents"), sandboxRoot)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	if err := s.Save("a1", testSession("a1"), testState()); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(sandboxRoot, "a1"), 0o700); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("a1") {
		t.Error("agent still exists after Delete")
	}
	if _, err := os.Stat(filepath.Join(sandboxRoot, "a1")); !os.IsNotExist(err) {
		t.Error("sandbox dir not removed")
	}

	// Deleting a missing agent is tolerated.
	if err := s.Delete("a1"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestLoadMissingOrCorrupt(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.Load("absent"); err != ErrNotFound {
		t.Errorf("Load(absent) = %v, want ErrNotFound", err)
	}

	// Corrupt session file.
	if err := s.Save("a1", testSession("a1"), testState()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.AgentDir("a1"), "session.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Load("a1"); err != ErrNotFound {
		t.Errorf("Load(corrupt) = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	s.Save("alpha", testSession("alpha"), testState())
	s.Save("beta", testSession("beta"), testState())

	// A stray directory with an unreadable payload must be skipped.
	if err := os.MkdirAll(filepath.Join(s.Root(), "broken"), 0o700); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	seen := map[string]bool{}
	for _, summary := range list {
		seen[summary.HubAgentID] = true
		if summary.Model == "" {
			t.Errorf("summary %s missing model", summary.HubAgentID)
		}
	}
	if !seen["alpha"] || !seen["beta"] {
		t.Errorf("missing agents in list: %v", seen)
	}
}

func TestV1Migration(t *testing.T) {
	s := newTestStore(t)

	v1 := map[string]any{
		"version":      1,
		"agentId":      "legacy",
		"model":        "gpt-4o",
		"provider":     "openai",
		"tools":        []string{"bash"},
		"maxTokens":    2048,
		"conversation": []any{},
		"totalTokens":  500,
		"totalCostUsd": 0.01,
	}
	data, _ := json.Marshal(v1)

	dir := s.AgentDir("legacy")
	os.MkdirAll(dir, 0o700)
	os.WriteFile(filepath.Join(dir, "session.json"), data, 0o600)
	stateData, _ := json.Marshal(testState())
	os.WriteFile(filepath.Join(dir, "state.json"), stateData, 0o600)

	session, _, err := s.Load("legacy")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if session.Version != models.SessionVersion {
		t.Errorf("Version = %d, want %d", session.Version, models.SessionVersion)
	}
	if session.Config.Model != "gpt-4o" || session.Config.Provider != "openai" {
		t.Errorf("config not lifted: %+v", session.Config)
	}
	if session.Config.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", session.Config.MaxTokens)
	}
	if session.Metadata.TotalTokens != 500 {
		t.Errorf("TotalTokens = %d, want 500", session.Metadata.TotalTokens)
	}
}
