// Package ratelimit tracks failed authentication attempts per remote IP
// and locks out repeat offenders.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures the failed-auth limiter.
type Config struct {
	// MaxAttempts before an IP is locked out.
	MaxAttempts int

	// LockoutDuration is how long a locked IP stays locked.
	LockoutDuration time.Duration

	// MaxEntries caps the tracking table.
	MaxEntries int
}

// DefaultConfig returns the default lockout policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		LockoutDuration: 15 * time.Minute,
		MaxEntries:      10000,
	}
}

type entry struct {
	attempts    int
	firstSeen   time.Time
	lockedUntil time.Time
}

// Limiter is a capped table of failed-auth records. Reads and writes are
// serialized; the table never grows past MaxEntries, and locked entries are
// never the ones evicted.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	l := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locked reports whether the key is currently locked out, and the remaining
// lockout duration if so.
func (l *Limiter) Locked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false, 0
	}
	now := l.now()
	if e.lockedUntil.After(now) {
		return true, e.lockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure registers a failed attempt. Returns true if the key is now
// locked out.
func (l *Limiter) RecordFailure(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.config.MaxEntries {
			l.evictOldest(now)
		}
		if len(l.entries) >= l.config.MaxEntries {
			// Table full of locked entries; refuse the newcomer outright
			// rather than dropping an active lockout.
			return true
		}
		e = &entry{firstSeen: now}
		l.entries[key] = e
	}

	// A lockout that has expired resets the window.
	if !e.lockedUntil.IsZero() && !e.lockedUntil.After(now) {
		e.attempts = 0
		e.lockedUntil = time.Time{}
		e.firstSeen = now
	}

	e.attempts++
	if e.attempts >= l.config.MaxAttempts {
		e.lockedUntil = now.Add(l.config.LockoutDuration)
		return true
	}
	return false
}

// RecordSuccess clears the record for a key after a successful auth.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	// A live lockout survives a success; the lock must run its course.
	if e.lockedUntil.After(l.now()) {
		return
	}
	delete(l.entries, key)
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictOldest removes the oldest entry that is not currently locked.
// Must be called with the lock held.
func (l *Limiter) evictOldest(now time.Time) {
	var oldestKey string
	var oldestSeen time.Time
	for key, e := range l.entries {
		if e.lockedUntil.After(now) {
			continue
		}
		if oldestKey == "" || e.firstSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = e.firstSeen
		}
	}
	if oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}
