package toolrouter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robman/flohub/pkg/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	clientID string
	sent     []Request
	sendErr  error
}

func (f *fakeTransport) PickClient(string) (string, bool) {
	return f.clientID, f.clientID != ""
}

func (f *fakeTransport) SendToolRequest(_ string, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) lastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func TestRouteRoundTrip(t *testing.T) {
	transport := &fakeTransport{clientID: "client-1"}
	r := New(transport)

	done := make(chan models.ToolResult, 1)
	go func() {
		done <- r.Route(context.Background(), "agent-1", "dom", json.RawMessage(`{"selector":"h1"}`))
	}()

	// Wait for the request to go out, then resolve it.
	var req Request
	for i := 0; ; i++ {
		transport.mu.Lock()
		n := len(transport.sent)
		transport.mu.Unlock()
		if n > 0 {
			req = transport.lastRequest()
			break
		}
		if i > 100 {
			t.Fatal("request never sent")
		}
		time.Sleep(time.Millisecond)
	}

	if req.HubAgentID != "agent-1" || req.ToolName != "dom" || req.ID == "" {
		t.Errorf("request = %+v", req)
	}
	if !r.Resolve(req.ID, models.ToolResult{Content: "<h1>hi</h1>"}) {
		t.Error("Resolve returned false for pending id")
	}

	result := <-done
	if result.IsError || result.Content != "<h1>hi</h1>" {
		t.Errorf("result = %+v", result)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after resolve", r.PendingCount())
	}
}

func TestRouteNoClient(t *testing.T) {
	r := New(&fakeTransport{})
	result := r.Route(context.Background(), "agent-1", "dom", nil)
	if !result.IsError || !strings.Contains(result.Content, "no browser client") {
		t.Errorf("result = %+v", result)
	}
}

func TestRouteTimeout(t *testing.T) {
	transport := &fakeTransport{clientID: "client-1"}
	r := New(transport, WithTimeout(20*time.Millisecond))

	result := r.Route(context.Background(), "agent-1", "dom", nil)
	if !result.IsError || !strings.Contains(result.Content, "timed out") {
		t.Errorf("result = %+v", result)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after timeout", r.PendingCount())
	}
}

func TestResolveUnknownID(t *testing.T) {
	r := New(&fakeTransport{clientID: "client-1"})
	if r.Resolve("missing", models.ToolResult{Content: "x"}) {
		t.Error("Resolve returned true for unknown id")
	}
}

func TestClientDisconnectedResolvesPending(t *testing.T) {
	transport := &fakeTransport{clientID: "client-1"}
	r := New(transport)

	done := make(chan models.ToolResult, 1)
	go func() {
		done <- r.Route(context.Background(), "agent-1", "runjs", nil)
	}()

	for i := 0; r.PendingCount() == 0; i++ {
		if i > 100 {
			t.Fatal("request never registered")
		}
		time.Sleep(time.Millisecond)
	}

	r.ClientDisconnected("client-1")
	result := <-done
	if !result.IsError || !strings.Contains(result.Content, "disconnected") {
		t.Errorf("result = %+v", result)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d", r.PendingCount())
	}
}

func TestRouteContextCanceled(t *testing.T) {
	transport := &fakeTransport{clientID: "client-1"}
	r := New(transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.ToolResult, 1)
	go func() {
		done <- r.Route(ctx, "agent-1", "dom", nil)
	}()

	for i := 0; r.PendingCount() == 0; i++ {
		if i > 100 {
			t.Fatal("request never registered")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	result := <-done
	if !result.IsError || !strings.Contains(result.Content, "canceled") {
		t.Errorf("result = %+v", result)
	}
}
