package apiproxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/robman/flohub/internal/config"
)

// anthropicVersion is injected when the client did not send one.
const anthropicVersion = "2023-06-01"

// Fixed upstream bases per provider. Ollama's base comes from config.
var upstreamBases = map[string]string{
	"anthropic": "https://api.anthropic.com",
	"openai":    "https://api.openai.com",
	"gemini":    "https://generativelanguage.googleapis.com",
}

// Route is a resolved proxy destination.
type Route struct {
	Provider string
	Upstream string
}

// providerFromPath extracts the provider segment of a proxy path. The
// legacy /api/v1/messages path is anthropic's.
func providerFromPath(path string) string {
	if path == "/api/v1/messages" {
		return "anthropic"
	}
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return ""
	}
	provider, _, _ := strings.Cut(rest, "/")
	return provider
}

// ResolveRoute maps a hub request path to its upstream URL. The legacy
// /api/v1/messages path routes to Anthropic for old clients that predate
// the provider prefix.
func ResolveRoute(path string, cfg *config.Config) (Route, error) {
	if path == "/api/v1/messages" {
		return Route{Provider: "anthropic", Upstream: upstreamBases["anthropic"] + "/v1/messages"}, nil
	}

	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return Route{}, fmt.Errorf("apiproxy: path %q is not a proxy path", path)
	}
	provider, tail, _ := strings.Cut(rest, "/")

	if p, ok := cfg.Providers[provider]; ok && p.Endpoint != "" {
		return Route{Provider: provider, Upstream: strings.TrimSuffix(p.Endpoint, "/") + "/" + tail}, nil
	}
	if provider == "ollama" {
		return Route{}, fmt.Errorf("apiproxy: ollama endpoint not configured")
	}
	base, ok := upstreamBases[provider]
	if !ok {
		return Route{}, fmt.Errorf("apiproxy: unknown provider %q", provider)
	}
	return Route{Provider: provider, Upstream: base + "/" + tail}, nil
}

// injectAuth sets the provider's authentication headers. The hub token
// never crosses to the upstream.
func injectAuth(h http.Header, provider, key string) {
	h.Del("x-hub-token")
	switch provider {
	case "anthropic":
		h.Set("x-api-key", key)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", anthropicVersion)
		}
	case "gemini":
		h.Set("x-goog-api-key", key)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
}
