package hub

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// pinTTL bounds how long an unverified subscription waits for its PIN.
const pinTTL = 10 * time.Minute

// PushSubscription is the browser's push endpoint registration.
type PushSubscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

type pushEntry struct {
	sub       PushSubscription
	clientID  string
	pin       string
	verified  bool
	createdAt time.Time
}

// PushManager tracks push subscriptions and client visibility. A
// subscription activates only after the out-of-band PIN round trip.
type PushManager struct {
	vapidPublicKey string
	now            func() time.Time

	mu         sync.Mutex
	subs       map[string]*pushEntry // keyed by endpoint
	visibility map[string]bool       // clientID -> page visible
}

// NewPushManager builds an empty manager.
func NewPushManager(vapidPublicKey string) *PushManager {
	return &PushManager{
		vapidPublicKey: vapidPublicKey,
		now:            time.Now,
		subs:           make(map[string]*pushEntry),
		visibility:     make(map[string]bool),
	}
}

// SetNow overrides the clock for tests.
func (m *PushManager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// VAPIDPublicKey returns the key clients subscribe with.
func (m *PushManager) VAPIDPublicKey() string { return m.vapidPublicKey }

// Subscribe registers an endpoint pending PIN verification and returns
// the PIN. Resubscribing an endpoint restarts verification.
func (m *PushManager) Subscribe(clientID string, sub PushSubscription) (string, error) {
	if sub.Endpoint == "" {
		return "", fmt.Errorf("push: subscription missing endpoint")
	}
	pin, err := newPIN()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.subs[sub.Endpoint] = &pushEntry{
		sub:       sub,
		clientID:  clientID,
		pin:       pin,
		createdAt: m.now(),
	}
	return pin, nil
}

// VerifyPin activates the client's pending subscription when the PIN
// matches.
func (m *PushManager) VerifyPin(clientID, pin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.subs {
		if entry.clientID == clientID && !entry.verified && entry.pin == pin {
			entry.verified = true
			entry.pin = ""
			return true
		}
	}
	return false
}

// Unsubscribe removes an endpoint. An empty endpoint removes every
// subscription the client registered.
func (m *PushManager) Unsubscribe(clientID, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if endpoint != "" {
		delete(m.subs, endpoint)
		return
	}
	for ep, entry := range m.subs {
		if entry.clientID == clientID {
			delete(m.subs, ep)
		}
	}
}

// SetVisibility records whether the client's page is in the foreground.
func (m *PushManager) SetVisibility(clientID string, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility[clientID] = visible
}

// Visible reports the client's last known visibility; unknown clients
// count as visible.
func (m *PushManager) Visible(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	visible, ok := m.visibility[clientID]
	return !ok || visible
}

// Subscriptions returns the verified endpoints; used by notification
// delivery.
func (m *PushManager) Subscriptions() []PushSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PushSubscription
	for _, entry := range m.subs {
		if entry.verified {
			out = append(out, entry.sub)
		}
	}
	return out
}

// ClientDisconnected clears visibility and any unverified subscription
// the client left behind. Verified subscriptions survive disconnects.
func (m *PushManager) ClientDisconnected(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.visibility, clientID)
	for ep, entry := range m.subs {
		if entry.clientID == clientID && !entry.verified {
			delete(m.subs, ep)
		}
	}
}

// pruneLocked drops unverified entries whose PIN window expired.
func (m *PushManager) pruneLocked() {
	now := m.now()
	for ep, entry := range m.subs {
		if !entry.verified && now.Sub(entry.createdAt) > pinTTL {
			delete(m.subs, ep)
		}
	}
}

// newPIN returns a 6-digit verification code.
func newPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("push: pin generation: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
