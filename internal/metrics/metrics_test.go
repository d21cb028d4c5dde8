package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestExposition(t *testing.T) {
	m := New()
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	m.MessageReceived("message")
	m.MessageReceived("message")
	m.MessageSent("agent_event")
	m.RecordToolCall("agent-1", "bash", false, 20*time.Millisecond)
	m.RecordToolCall("agent-1", "bash", true, time.Second)
	m.ScheduleFired("cron")
	m.AuthFailed()
	m.RunnerStarted()
	m.ProxyRequest("anthropic")

	body := scrape(t, m)
	for _, want := range []string{
		`flohub_websocket_connections 1`,
		`flohub_messages_received_total{type="message"} 2`,
		`flohub_messages_sent_total{type="agent_event"} 1`,
		`flohub_tool_calls_total{outcome="ok",tool="bash"} 1`,
		`flohub_tool_calls_total{outcome="error",tool="bash"} 1`,
		`flohub_scheduler_fires_total{kind="cron"} 1`,
		`flohub_auth_failures_total 1`,
		`flohub_active_runners 1`,
		`flohub_proxy_requests_total{provider="anthropic"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}

func TestPrivateRegistry(t *testing.T) {
	// Two instances register independently without panicking on
	// duplicate collectors.
	a, b := New(), New()
	a.ClientConnected()
	if body := scrape(t, b); strings.Contains(body, "flohub_websocket_connections 1") {
		t.Error("registries shared state")
	}
}
