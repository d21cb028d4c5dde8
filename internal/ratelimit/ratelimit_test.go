package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.now)), clock
}

func TestLockoutAfterMaxAttempts(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 3, LockoutDuration: time.Minute})

	for i := 0; i < 2; i++ {
		if locked := l.RecordFailure("1.2.3.4"); locked {
			t.Fatalf("locked after %d attempts", i+1)
		}
	}
	if locked := l.RecordFailure("1.2.3.4"); !locked {
		t.Fatal("expected lockout on third attempt")
	}
	if locked, remaining := l.Locked("1.2.3.4"); !locked || remaining <= 0 {
		t.Errorf("Locked = (%v, %v), want locked with positive remaining", locked, remaining)
	}
}

func TestLockoutExpires(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 2, LockoutDuration: time.Minute})

	l.RecordFailure("ip")
	l.RecordFailure("ip")
	if locked, _ := l.Locked("ip"); !locked {
		t.Fatal("expected lockout")
	}

	clock.advance(61 * time.Second)
	if locked, _ := l.Locked("ip"); locked {
		t.Error("lockout should have expired")
	}
	// Window resets after expiry.
	if locked := l.RecordFailure("ip"); locked {
		t.Error("first attempt after expiry must not lock")
	}
}

func TestSuccessClearsUnlocked(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 5, LockoutDuration: time.Minute})

	l.RecordFailure("ip")
	l.RecordSuccess("ip")
	if l.Size() != 0 {
		t.Errorf("Size = %d, want 0", l.Size())
	}
}

func TestSuccessDoesNotClearActiveLockout(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxAttempts: 1, LockoutDuration: time.Minute})

	l.RecordFailure("ip")
	l.RecordSuccess("ip")
	if locked, _ := l.Locked("ip"); !locked {
		t.Error("active lockout must survive a successful auth")
	}
}

func TestTableCapEvictsOldestNonLocked(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 10, LockoutDuration: time.Hour, MaxEntries: 3})

	l.RecordFailure("a")
	clock.advance(time.Second)
	l.RecordFailure("b")
	clock.advance(time.Second)
	l.RecordFailure("c")
	clock.advance(time.Second)

	l.RecordFailure("d")
	if l.Size() != 3 {
		t.Fatalf("Size = %d, want 3", l.Size())
	}
	// "a" was oldest and unlocked, so it went.
	l.RecordFailure("a")
	if locked, _ := l.Locked("b"); locked {
		t.Error("b should not be locked")
	}
}

func TestLockedEntriesNeverEvicted(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 1, LockoutDuration: time.Hour, MaxEntries: 2})

	// Both slots fill with locked entries.
	l.RecordFailure("locked-1")
	clock.advance(time.Second)
	l.RecordFailure("locked-2")
	clock.advance(time.Second)

	// Newcomer cannot displace a lockout.
	l.RecordFailure("newcomer")
	if locked, _ := l.Locked("locked-1"); !locked {
		t.Error("locked-1 was evicted")
	}
	if locked, _ := l.Locked("locked-2"); !locked {
		t.Error("locked-2 was evicted")
	}
	if l.Size() > 2 {
		t.Errorf("Size = %d, exceeds cap", l.Size())
	}
}

func TestTableNeverGrowsPastCap(t *testing.T) {
	l, clock := newTestLimiter(Config{MaxAttempts: 100, LockoutDuration: time.Hour, MaxEntries: 16})

	for i := 0; i < 100; i++ {
		l.RecordFailure(fmt.Sprintf("ip-%d", i))
		clock.advance(time.Millisecond)
	}
	if l.Size() > 16 {
		t.Errorf("Size = %d, exceeds cap 16", l.Size())
	}
}
