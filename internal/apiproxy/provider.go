package apiproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robman/flohub/internal/cliproxy"
	"github.com/robman/flohub/internal/config"
	"github.com/robman/flohub/internal/runner"
	"github.com/robman/flohub/internal/stream"
)

// HTTPProvider drives a hub-owned agent against an upstream provider's
// native streaming API, normalizing the response through the matching
// SSE dialect.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// ProviderOption configures an HTTPProvider.
type ProviderOption func(*HTTPProvider)

// WithProviderClient overrides the upstream HTTP client.
func WithProviderClient(c *http.Client) ProviderOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithProviderLogger overrides the default logger.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(p *HTTPProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewHTTPProvider builds a provider for name from the hub config.
func NewHTTPProvider(name string, cfg *config.Config, opts ...ProviderOption) (*HTTPProvider, error) {
	endpoint := upstreamBases[name]
	if p, ok := cfg.Providers[name]; ok && p.Endpoint != "" {
		endpoint = strings.TrimSuffix(p.Endpoint, "/")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("apiproxy: provider %q has no endpoint", name)
	}

	p := &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		apiKey:   cfg.ProviderKey(name),
		client:   &http.Client{Timeout: 10 * time.Minute},
		logger:   slog.Default().With("component", "provider", "provider", name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stream implements runner.Provider: encode, POST, normalize.
func (p *HTTPProvider) Stream(ctx context.Context, req runner.ProviderRequest, emit stream.Handler) error {
	body, target, err := p.encode(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apiproxy: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	injectAuth(httpReq.Header, p.name, p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("apiproxy: %s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &runner.StatusError{Provider: p.name, Code: resp.StatusCode, Body: string(snippet)}
	}

	return stream.ForProvider(p.name).Normalize(resp.Body, emit)
}

// encode builds the provider-native request body and target URL.
func (p *HTTPProvider) encode(req runner.ProviderRequest) ([]byte, string, error) {
	switch p.name {
	case "anthropic":
		body, err := encodeAnthropic(req)
		return body, p.endpoint + "/v1/messages", err
	case "gemini":
		body, err := encodeGemini(req)
		target := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
			p.endpoint, url.PathEscape(req.Model))
		return body, target, err
	default:
		// OpenAI and openai-compatible endpoints (ollama, local servers).
		body, err := encodeOpenAI(req)
		return body, p.endpoint + "/v1/chat/completions", err
	}
}

// CLIProvider bridges a subprocess adapter into the runner's provider
// contract. Tool definitions are not forwarded; CLI backends learn the
// tool surface from the system prompt.
type CLIProvider struct {
	adapter *cliproxy.Adapter
}

// NewCLIProvider wraps an adapter.
func NewCLIProvider(adapter *cliproxy.Adapter) *CLIProvider {
	return &CLIProvider{adapter: adapter}
}

// Stream implements runner.Provider.
func (p *CLIProvider) Stream(ctx context.Context, req runner.ProviderRequest, emit stream.Handler) error {
	return p.adapter.Stream(ctx, cliproxy.Request{
		System:   req.System,
		Messages: req.Messages,
	}, emit)
}

// ProviderFor selects the runner provider for an agent's configured
// provider name: CLI adapters win over HTTP when both exist.
func (p *Proxy) ProviderFor(name string) (runner.Provider, error) {
	if adapter, ok := p.cli[name]; ok {
		return NewCLIProvider(adapter), nil
	}
	return NewHTTPProvider(name, p.cfg, WithProviderClient(p.client))
}
