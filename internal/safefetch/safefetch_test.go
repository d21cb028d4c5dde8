package safefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestIsPrivateIPAddress(t *testing.T) {
	tests := []struct {
		address string
		private bool
	}{
		{"10.0.0.1", true},
		{"127.0.0.1", true},
		{"192.168.1.1", true},
		{"169.254.10.10", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.15.0.1", false},
		{"172.32.0.1", false},
		{"100.64.0.1", true},
		{"100.127.255.255", true},
		{"100.128.0.1", false},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"::", true},
		{"fc00::1", true},
		{"fd12:3456::1", true},
		{"fe80::1", true},
		{"fec0::1", true},
		{"2001:4860:4860::8888", false},
		{"::ffff:192.168.1.1", true},
		{"::ffff:8.8.8.8", false},
		{"[::1]", true},
		{"not-an-ip", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := IsPrivateIPAddress(tt.address); got != tt.private {
				t.Errorf("IsPrivateIPAddress(%q) = %v, want %v", tt.address, got, tt.private)
			}
		})
	}
}

func TestIsBlockedHostname(t *testing.T) {
	tests := []struct {
		hostname string
		blocked  bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost.", true},
		{"metadata.google.internal", true},
		{"foo.localhost", true},
		{"printer.local", true},
		{"db.internal", true},
		{"example.com", false},
		{"internal.example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			if got := IsBlockedHostname(tt.hostname); got != tt.blocked {
				t.Errorf("IsBlockedHostname(%q) = %v, want %v", tt.hostname, got, tt.blocked)
			}
		})
	}
}

func staticResolver(addrs ...string) func(context.Context, string) ([]netip.Addr, error) {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		out := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, netip.MustParseAddr(a))
		}
		return out, nil
	}
}

func TestValidateURL(t *testing.T) {
	t.Run("relative rejected", func(t *testing.T) {
		f := New(Config{})
		if _, err := f.ValidateURL(context.Background(), "/relative/path"); err != ErrRelativeURL {
			t.Errorf("expected ErrRelativeURL, got %v", err)
		}
	})

	t.Run("private literal rejected", func(t *testing.T) {
		f := New(Config{})
		if _, err := f.ValidateURL(context.Background(), "http://192.168.0.5/x"); err == nil {
			t.Error("expected error for private IP literal")
		}
	})

	t.Run("hostname resolving to private rejected", func(t *testing.T) {
		f := New(Config{}, WithResolver(staticResolver("192.168.1.44")))
		if _, err := f.ValidateURL(context.Background(), "http://evil.corp/"); err == nil {
			t.Error("expected error when hostname resolves to private address")
		}
	})

	t.Run("public hostname allowed", func(t *testing.T) {
		f := New(Config{}, WithResolver(staticResolver("93.184.216.34")))
		if _, err := f.ValidateURL(context.Background(), "https://example.com/page"); err != nil {
			t.Errorf("ValidateURL: %v", err)
		}
	})

	t.Run("denylist pattern", func(t *testing.T) {
		f := New(Config{BlockedPatterns: []string{"forbidden.example"}},
			WithResolver(staticResolver("93.184.216.34")))
		if _, err := f.ValidateURL(context.Background(), "https://forbidden.example/x"); err == nil {
			t.Error("expected error for denylisted URL")
		}
	})
}

func TestDo_StripsSensitiveHeaders(t *testing.T) {
	var gotAuth, gotCookie, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// httptest binds to loopback, which the policy normally refuses.
	f := New(Config{}, WithInsecureAllowPrivate())
	resp, err := f.Do(context.Background(), Request{
		URL: server.URL,
		Headers: map[string]string{
			"Authorization": "Bearer secret",
			"Cookie":        "sid=1",
			"X-Custom":      "keep",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}

	if gotAuth != "" {
		t.Errorf("Authorization leaked: %q", gotAuth)
	}
	if gotCookie != "" {
		t.Errorf("Cookie leaked: %q", gotCookie)
	}
	if gotCustom != "keep" {
		t.Errorf("X-Custom = %q, want %q", gotCustom, "keep")
	}
}

func TestDo_FollowsRedirectsManually(t *testing.T) {
	var mux http.ServeMux
	server := httptest.NewServer(&mux)
	defer server.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	f := New(Config{}, WithInsecureAllowPrivate())

	t.Run("redirect followed", func(t *testing.T) {
		resp, err := f.Do(context.Background(), Request{URL: server.URL + "/start"})
		if err != nil {
			t.Fatal(err)
		}
		if string(resp.Body) != "done" {
			t.Errorf("body = %q, want %q", resp.Body, "done")
		}
	})

	t.Run("redirect loop capped", func(t *testing.T) {
		if _, err := f.Do(context.Background(), Request{URL: server.URL + "/loop"}); err != ErrTooManyHops {
			t.Errorf("expected ErrTooManyHops, got %v", err)
		}
	})
}

func TestDo_BodyCap(t *testing.T) {
	f := New(Config{})
	big := make([]byte, MaxBodyBytes+1)
	if _, err := f.Do(context.Background(), Request{URL: "https://example.com", Body: big}); err != ErrBodyTooLarge {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}
