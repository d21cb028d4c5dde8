package hub

import (
	"testing"
	"time"
)

func TestPushPinVerification(t *testing.T) {
	m := NewPushManager("vapid-pub")

	pin, err := m.Subscribe("c1", PushSubscription{Endpoint: "https://push.example/ep1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pin) != 6 {
		t.Fatalf("pin = %q", pin)
	}
	if len(m.Subscriptions()) != 0 {
		t.Error("unverified subscription listed")
	}

	if m.VerifyPin("c1", "999999x") {
		t.Error("wrong pin accepted")
	}
	if m.VerifyPin("c2", pin) {
		t.Error("pin accepted for wrong client")
	}
	if !m.VerifyPin("c1", pin) {
		t.Fatal("correct pin rejected")
	}
	if len(m.Subscriptions()) != 1 {
		t.Error("verified subscription missing")
	}

	// The PIN is one-shot.
	if m.VerifyPin("c1", pin) {
		t.Error("pin reusable after verification")
	}
}

func TestPushResubscribeRestartsVerification(t *testing.T) {
	m := NewPushManager("")
	pin, _ := m.Subscribe("c1", PushSubscription{Endpoint: "ep"})
	m.VerifyPin("c1", pin)

	if _, err := m.Subscribe("c1", PushSubscription{Endpoint: "ep"}); err != nil {
		t.Fatal(err)
	}
	if len(m.Subscriptions()) != 0 {
		t.Error("resubscribed endpoint kept verified status")
	}
}

func TestPushUnsubscribe(t *testing.T) {
	m := NewPushManager("")
	pin1, _ := m.Subscribe("c1", PushSubscription{Endpoint: "ep1"})
	pin2, _ := m.Subscribe("c1", PushSubscription{Endpoint: "ep2"})
	m.VerifyPin("c1", pin1)
	m.VerifyPin("c1", pin2)

	m.Unsubscribe("c1", "ep1")
	if len(m.Subscriptions()) != 1 {
		t.Fatal("targeted unsubscribe removed wrong entries")
	}

	// Empty endpoint clears everything the client owns.
	m.Unsubscribe("c1", "")
	if len(m.Subscriptions()) != 0 {
		t.Error("blanket unsubscribe left entries")
	}
}

func TestPushDisconnectKeepsVerified(t *testing.T) {
	m := NewPushManager("")
	pin, _ := m.Subscribe("c1", PushSubscription{Endpoint: "verified"})
	m.VerifyPin("c1", pin)
	if _, err := m.Subscribe("c1", PushSubscription{Endpoint: "pending"}); err != nil {
		t.Fatal(err)
	}

	m.ClientDisconnected("c1")
	subs := m.Subscriptions()
	if len(subs) != 1 || subs[0].Endpoint != "verified" {
		t.Errorf("subscriptions after disconnect = %v", subs)
	}
}

func TestPushPinExpiry(t *testing.T) {
	m := NewPushManager("")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetNow(func() time.Time { return now })

	pin, _ := m.Subscribe("c1", PushSubscription{Endpoint: "ep1"})

	// A later subscribe prunes the stale pending entry.
	now = now.Add(pinTTL + time.Second)
	if _, err := m.Subscribe("c2", PushSubscription{Endpoint: "ep2"}); err != nil {
		t.Fatal(err)
	}
	if m.VerifyPin("c1", pin) {
		t.Error("expired pin accepted")
	}
}

func TestVisibilityDefaultsVisible(t *testing.T) {
	m := NewPushManager("")
	if !m.Visible("unknown") {
		t.Error("unknown client not visible")
	}

	m.SetVisibility("c1", false)
	if m.Visible("c1") {
		t.Error("hidden client reported visible")
	}
	m.SetVisibility("c1", true)
	if !m.Visible("c1") {
		t.Error("visible client reported hidden")
	}

	m.ClientDisconnected("c1")
	if !m.Visible("c1") {
		t.Error("visibility not reset on disconnect")
	}
}
