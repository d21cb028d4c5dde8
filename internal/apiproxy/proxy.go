// Package apiproxy forwards client LLM requests to upstream providers,
// injecting the hub's shared keys. It serves two transports off one
// routing core: plain HTTP streaming passthrough and WebSocket-wrapped
// chunk relay. Providers configured as CLI subprocesses are served
// through the adapter and re-encoded as Anthropic-style SSE.
package apiproxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/robman/flohub/internal/cliproxy"
	"github.com/robman/flohub/internal/config"
	"github.com/robman/flohub/internal/ratelimit"
	"github.com/robman/flohub/internal/stream"
	"github.com/robman/flohub/pkg/models"
)

const (
	// maxProxyBody caps inbound request bodies.
	maxProxyBody = 10 << 20

	// chunkSize is the relay read size for WS-wrapped streams.
	chunkSize = 32 << 10
)

// ChunkSink receives one relayed stream. The hub implements this over a
// WebSocket connection, wrapping chunks with the request's correlation id.
type ChunkSink interface {
	Chunk(data []byte) error
	End() error
	Error(message string)
}

// Proxy routes and forwards provider requests.
type Proxy struct {
	cfg     *config.Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	cli     map[string]*cliproxy.Adapter
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLimiter attaches a failed-auth limiter shared with the hub.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Proxy) { p.limiter = l }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a proxy from the hub configuration, spawning a CLI adapter
// per configured CLI provider.
func New(cfg *config.Config, opts ...Option) *Proxy {
	p := &Proxy{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: slog.Default().With("component", "apiproxy"),
		cli:    make(map[string]*cliproxy.Adapter),
	}
	for _, opt := range opts {
		opt(p)
	}
	for name, cli := range cfg.CLI {
		p.cli[name] = cliproxy.New(name, cli)
	}
	return p
}

// CLIAdapter returns the adapter for a CLI-configured provider, if any.
func (p *Proxy) CLIAdapter(provider string) (*cliproxy.Adapter, bool) {
	a, ok := p.cli[provider]
	return a, ok
}

// ServeHTTP handles POST /api/{provider}/… with streaming passthrough.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r, p.cfg.Server.TrustProxy)
	if p.limiter != nil {
		if locked, _ := p.limiter.Locked(ip); locked {
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}
	}
	token := r.Header.Get("x-hub-token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.cfg.Auth.Token)) != 1 {
		if p.limiter != nil {
			p.limiter.RecordFailure(ip)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if p.limiter != nil {
		p.limiter.RecordSuccess(ip)
	}

	body := http.MaxBytesReader(w, r.Body, maxProxyBody)
	if adapter, ok := p.cli[providerFromPath(r.URL.Path)]; ok {
		p.serveCLI(w, r, adapter, body)
		return
	}

	route, err := ResolveRoute(r.URL.Path, p.cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	p.forwardHTTP(w, r, route, body)
}

// forwardHTTP pumps the upstream response back unchanged.
func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, route Route, body io.Reader) {
	upstream := route.Upstream
	if r.URL.RawQuery != "" {
		upstream += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstream, body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}
	copyRequestHeaders(req.Header, r.Header)
	injectAuth(req.Header, route.Provider, p.cfg.ProviderKey(route.Provider))

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("upstream request failed", "provider", route.Provider, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// serveCLI runs the subprocess adapter and streams Anthropic-style SSE.
func (p *Proxy) serveCLI(w http.ResponseWriter, r *http.Request, adapter *cliproxy.Adapter, body io.Reader) {
	req, err := parseProxyRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	err = adapter.Stream(r.Context(), req, func(ev stream.Event) error {
		if _, werr := w.Write(encodeSSE(ev)); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("cli stream failed", "error", err)
	}
}

// Forward serves one WebSocket-mode proxy request: the upstream stream
// is cut into chunks and handed to the sink. All failures surface
// through sink.Error.
func (p *Proxy) Forward(ctx context.Context, path string, body []byte, sink ChunkSink) {
	if adapter, ok := p.cli[providerFromPath(path)]; ok {
		req, err := parseProxyRequest(bytes.NewReader(body))
		if err != nil {
			sink.Error(err.Error())
			return
		}
		err = adapter.Stream(ctx, req, func(ev stream.Event) error {
			return sink.Chunk(encodeSSE(ev))
		})
		if err != nil {
			sink.Error(err.Error())
			return
		}
		if err := sink.End(); err != nil {
			p.logger.Debug("sink end failed", "error", err)
		}
		return
	}

	route, err := ResolveRoute(path, p.cfg)
	if err != nil {
		sink.Error(err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.Upstream, bytes.NewReader(body))
	if err != nil {
		sink.Error("bad upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	injectAuth(req.Header, route.Provider, p.cfg.ProviderKey(route.Provider))

	resp, err := p.client.Do(req)
	if err != nil {
		sink.Error("upstream unreachable: " + err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		sink.Error(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, snippet))
		return
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := sink.Chunk(chunk); serr != nil {
				return
			}
		}
		if err == io.EOF {
			if serr := sink.End(); serr != nil {
				p.logger.Debug("sink end failed", "error", serr)
			}
			return
		}
		if err != nil {
			sink.Error("upstream read failed: " + err.Error())
			return
		}
	}
}

// copyRequestHeaders forwards the safe subset of client headers.
func copyRequestHeaders(dst, src http.Header) {
	for _, name := range []string{"Content-Type", "Accept", "anthropic-version"} {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For only
// behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseProxyRequest decodes an Anthropic-format request body into the
// CLI adapter's request. Both the string and block-array content forms
// are accepted.
func parseProxyRequest(body io.Reader) (cliproxy.Request, error) {
	var raw struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Role    models.Role     `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxProxyBody)).Decode(&raw); err != nil {
		return cliproxy.Request{}, fmt.Errorf("apiproxy: invalid request body: %w", err)
	}

	req := cliproxy.Request{System: parseSystem(raw.System)}
	for _, m := range raw.Messages {
		blocks, err := parseContent(m.Content)
		if err != nil {
			return cliproxy.Request{}, err
		}
		req.Messages = append(req.Messages, models.Message{Role: m.Role, Content: blocks})
	}
	return req, nil
}

// parseSystem accepts the system prompt as a string or text-block array.
func parseSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// parseContent accepts message content as a string or block array.
func parseContent(raw json.RawMessage) ([]models.ContentBlock, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []models.ContentBlock{{Type: models.BlockText, Text: s}}, nil
	}
	var blocks []models.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("apiproxy: invalid message content: %w", err)
	}
	return blocks, nil
}
