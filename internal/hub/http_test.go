package hub

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStatusEndpoint(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Get(th.server.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Errorf("status = %d body = %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSPreflight(t *testing.T) {
	th := newTestHub(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, th.server.URL+"/api/anthropic/v1/messages", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Private-Network", "true")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), "x-hub-token") {
		t.Errorf("allow-headers = %q", resp.Header.Get("Access-Control-Allow-Headers"))
	}
	if resp.Header.Get("Access-Control-Allow-Private-Network") != "true" {
		t.Error("private network header missing")
	}
}

func TestCORSAllowlist(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AllowedOrigins = []string{"https://allowed.example"}
	th := newTestHub(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, th.server.URL+"/api/status", nil)
	req.Header.Set("Origin", "https://allowed.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://allowed.example" {
		t.Errorf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(strings.Join(resp.Header.Values("Vary"), ","), "Origin") {
		t.Error("Vary: Origin missing")
	}

	req, _ = http.NewRequest(http.MethodOptions, th.server.URL+"/api/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("foreign origin allowed: %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestSignedFileServing(t *testing.T) {
	th := newTestHub(t, nil)

	root := th.hub.store.FilesRoot("a1")
	if err := os.MkdirAll(filepath.Join(root, "out"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "out", "report.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	signed := SignedFileURL(th.server.URL, "hub-secret", "a1", "out/report.html", time.Hour, now)

	resp, err := http.Get(signed)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "<h1>hi</h1>" {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}

	t.Run("no signature", func(t *testing.T) {
		u, _ := url.Parse(signed)
		resp, err := http.Get(th.server.URL + u.Path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		forged := SignedFileURL(th.server.URL, "not-the-secret", "a1", "out/report.html", time.Hour, now)
		resp, err := http.Get(forged)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("expired", func(t *testing.T) {
		stale := SignedFileURL(th.server.URL, "hub-secret", "a1", "out/report.html", time.Hour, now.Add(-2*time.Hour))
		resp, err := http.Get(stale)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("traversal", func(t *testing.T) {
		// A correctly signed URL still cannot escape the workspace.
		escape := SignedFileURL(th.server.URL, "hub-secret", "a1", "../../../etc/passwd", time.Hour, now)
		req, _ := http.NewRequest(http.MethodGet, escape, nil)
		transport := &http.Transport{}
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Error("traversal served")
		}
	})
}

func TestAgentFileMethodAndShape(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Post(th.server.URL+"/agents/a1/files/x.txt", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", resp.StatusCode)
	}

	resp, err = http.Get(th.server.URL + "/agents/a1/notfiles")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("malformed path status = %d", resp.StatusCode)
	}
}

func TestTLSSetupPage(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Get(th.server.URL + "/tls-setup")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Certificate accepted") {
		t.Errorf("status = %d body = %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Get(th.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "flohub_websocket_connections") {
		t.Error("hub metrics missing from exposition")
	}
}
