// Package config defines the hub configuration and its yaml loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root hub configuration.
type Config struct {
	Hub        HubConfig                 `yaml:"hub"`
	Server     ServerConfig              `yaml:"server"`
	Auth       AuthConfig                `yaml:"auth"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	SharedKeys SharedKeysConfig          `yaml:"shared_api_keys"`
	CLI        map[string]CLIProvider    `yaml:"cli_providers"`
	FetchProxy FetchProxyConfig          `yaml:"fetch_proxy"`
	Tools      ToolsConfig               `yaml:"tools"`
	Paths      PathsConfig               `yaml:"paths"`
	Push       PushConfig                `yaml:"push"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// HubConfig names this hub to connecting clients.
type HubConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ServerConfig covers the listening socket and CORS.
type ServerConfig struct {
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	PublicHost     string    `yaml:"public_host"`
	TLS            TLSConfig `yaml:"tls"`
	TrustProxy     bool      `yaml:"trust_proxy"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
}

// TLSConfig names the certificate pair for wss:// listening.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// AuthConfig holds the shared secret clients authenticate with.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// ProviderConfig is one upstream LLM endpoint.
type ProviderConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// SharedKeysConfig lists keys shared with authenticated clients through
// the API proxy.
type SharedKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Gemini    string `yaml:"gemini"`
	Ollama    string `yaml:"ollama"`
}

// CLIProvider configures a subprocess adapter exposing an
// Anthropic-compatible streaming interface.
type CLIProvider struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// FetchProxyConfig toggles the browser-relayed fetch path.
type FetchProxyConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// ToolsConfig holds per-tool subsystem toggles.
type ToolsConfig struct {
	Browse BrowseConfig `yaml:"browse"`
}

// BrowseConfig configures hub-side browser sessions.
type BrowseConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Viewport ViewportConfig `yaml:"viewport"`
}

// ViewportConfig is the browse page size.
type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// PathsConfig names the filesystem roots.
type PathsConfig struct {
	AgentStore string `yaml:"agent_store"`
	Sandbox    string `yaml:"sandbox"`
	Skills     string `yaml:"skills"`
	AuditDB    string `yaml:"audit_db"`
}

// PushConfig holds web-push keys.
type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
}

// LoggingConfig controls slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Hub: HubConfig{Name: "flohub"},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Tools: ToolsConfig{
			Browse: BrowseConfig{
				Viewport: ViewportConfig{Width: 1280, Height: 800},
			},
		},
		Paths: PathsConfig{
			AgentStore: "data/agents",
			Sandbox:    "data/sandbox",
			Skills:     "data/skills",
			AuditDB:    "data/audit.db",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a yaml config file, expanding ${ENV} references, and applies
// defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Auth.Token == "" {
		return fmt.Errorf("config: auth.token is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		return fmt.Errorf("config: tls cert and key must both be set")
	}
	for name, cli := range c.CLI {
		if cli.Command == "" {
			return fmt.Errorf("config: cli provider %q missing command", name)
		}
	}
	return nil
}

// ProviderKey returns the shared key for a provider name.
func (c *Config) ProviderKey(name string) string {
	switch name {
	case "anthropic":
		return c.SharedKeys.Anthropic
	case "openai":
		return c.SharedKeys.OpenAI
	case "gemini":
		return c.SharedKeys.Gemini
	case "ollama":
		return c.SharedKeys.Ollama
	}
	if p, ok := c.Providers[name]; ok {
		return p.APIKey
	}
	return ""
}
