package state

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	s := NewStore()

	if err := s.Set("score", 50); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("score")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 50 {
		t.Errorf("Get = %v, want 50", got)
	}

	if err := s.Set("score", 75); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, _ = s.Get("score")
	if got != 75 {
		t.Errorf("Get after overwrite = %v, want 75", got)
	}

	s.Delete("score")
	if _, err := s.Get("score"); err != ErrNotFound {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is a no-op.
	s.Delete("never-set")
}

func TestGetAll(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)
	s.Set("b", "two")

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("GetAll len = %d, want 2", len(all))
	}
	// The copy must not alias internal state.
	all["c"] = 3
	if _, err := s.Get("c"); err != ErrNotFound {
		t.Error("mutating GetAll result leaked into the store")
	}
}

func TestLimits(t *testing.T) {
	t.Run("value too large", func(t *testing.T) {
		s := NewStore()
		big := strings.Repeat("x", MaxValueSize+1)
		if err := s.Set("k", big); err != ErrValueTooLarge {
			t.Errorf("error = %v, want ErrValueTooLarge", err)
		}
	})

	t.Run("too many keys", func(t *testing.T) {
		s := NewStore()
		for i := 0; i < MaxKeys; i++ {
			if err := s.Set(fmt.Sprintf("k%d", i), i); err != nil {
				t.Fatalf("Set %d: %v", i, err)
			}
		}
		if err := s.Set("overflow", 1); err != ErrTooManyKeys {
			t.Errorf("error = %v, want ErrTooManyKeys", err)
		}
		// Replacing an existing key is still allowed.
		if err := s.Set("k0", "replaced"); err != nil {
			t.Errorf("replace at cap: %v", err)
		}
	})

	t.Run("total size counts delta on replace", func(t *testing.T) {
		s := NewStore()
		half := strings.Repeat("a", MaxValueSize-2) // -2 for JSON quotes
		for i := 0; i < 9; i++ {
			if err := s.Set(fmt.Sprintf("k%d", i), half); err != nil {
				t.Fatalf("Set %d: %v", i, err)
			}
		}
		// Replacing one near-1MB value with another must not trip the
		// total cap since only the delta counts.
		if err := s.Set("k0", strings.Repeat("b", MaxValueSize-2)); err != nil {
			t.Errorf("replace counted full size, not delta: %v", err)
		}
	})

	t.Run("refused set fires no listeners", func(t *testing.T) {
		s := NewStore()
		fired := 0
		s.Listen(func(Change) { fired++ })

		big := strings.Repeat("x", MaxValueSize+1)
		s.Set("k", big)
		if fired != 0 {
			t.Errorf("listener fired %d times on refused set", fired)
		}
	})
}

func TestListeners(t *testing.T) {
	s := NewStore()
	var changes []Change
	handle := s.Listen(func(c Change) { changes = append(changes, c) })

	s.Set("k", "v1")
	s.Set("k", "v2")
	s.Delete("k")

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].HadPrev {
		t.Error("first set reported a previous value")
	}
	if !changes[1].HadPrev || changes[1].Previous != "v1" {
		t.Errorf("second change previous = %v", changes[1].Previous)
	}
	if !changes[2].Deleted {
		t.Error("third change not marked deleted")
	}

	handle.Remove()
	s.Set("k", "v3")
	if len(changes) != 3 {
		t.Error("listener fired after Remove")
	}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"always", false},
		{"changed", false},
		{"> 100", false},
		{">=3.5", false},
		{"< -2", false},
		{"<= 0", false},
		{"== true", false},
		{"!= false", false},
		{`== "ready"`, false},
		{"== ready", false},
		{"", true},
		{"sometimes", true},
		{">", true},
		{"100 >", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseCondition(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCondition(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestConditionEvaluate(t *testing.T) {
	tests := []struct {
		condition string
		value     any
		changed   bool
		want      bool
	}{
		{"always", nil, false, true},
		{"changed", 1, true, true},
		{"changed", 1, false, false},
		{"> 100", 150, true, true},
		{"> 100", float64(50), true, false},
		{"> 100", "150", true, true},
		{">= 100", 100, true, true},
		{"< 10", 5, true, true},
		{"<= 10", 11, true, false},
		{"== 42", 42, true, true},
		{"!= 42", 42, true, false},
		{"== true", true, true, true},
		{"== true", false, true, false},
		{"!= false", true, true, true},
		{`== "ready"`, "ready", true, true},
		{`== 'ready'`, "ready", true, true},
		{"== ready", "ready", true, true},
		{"!= ready", "pending", true, true},
		{"> 100", "not-a-number", true, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.condition, tt.value), func(t *testing.T) {
			c, err := ParseCondition(tt.condition)
			if err != nil {
				t.Fatalf("ParseCondition: %v", err)
			}
			if got := c.Evaluate(tt.value, tt.changed); got != tt.want {
				t.Errorf("Evaluate(%v, %v) = %v, want %v", tt.value, tt.changed, got, tt.want)
			}
		})
	}
}

func TestEscalations(t *testing.T) {
	s := NewStore()

	if err := s.SetEscalation("score", "> 100", "alert"); err != nil {
		t.Fatalf("SetEscalation: %v", err)
	}
	if err := s.SetEscalation("score", "nonsense", ""); err == nil {
		t.Error("expected error for invalid condition")
	}

	if msg, fired := s.EvaluateEscalation("score", 50); fired {
		t.Errorf("fired at 50 with %q", msg)
	}
	msg, fired := s.EvaluateEscalation("score", 150)
	if !fired {
		t.Fatal("did not fire at 150")
	}
	if msg != "alert" {
		t.Errorf("message = %q, want %q", msg, "alert")
	}

	// Default message when none configured.
	s.SetEscalation("flag", "== true", "")
	msg, fired = s.EvaluateEscalation("flag", true)
	if !fired || msg == "" {
		t.Errorf("default message missing: fired=%v msg=%q", fired, msg)
	}

	s.ClearEscalation("score")
	if _, fired := s.EvaluateEscalation("score", 150); fired {
		t.Error("fired after ClearEscalation")
	}
}
