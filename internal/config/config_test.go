package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
  allowed_origins:
    - https://app.example.com
auth:
  token: secret-token
shared_api_keys:
  anthropic: sk-ant-test
cli_providers:
  claude:
    command: claude
    args: ["-p", "--output-format", "stream-json"]
    timeout: 90s
fetch_proxy:
  enabled: true
  blocked_patterns:
    - internal.example
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Auth.Token != "secret-token" {
		t.Errorf("Token = %q", cfg.Auth.Token)
	}
	if cfg.SharedKeys.Anthropic != "sk-ant-test" {
		t.Errorf("Anthropic key = %q", cfg.SharedKeys.Anthropic)
	}
	if cli := cfg.CLI["claude"]; cli.Command != "claude" || len(cli.Args) != 3 {
		t.Errorf("CLI = %+v", cli)
	}
	// Defaults survive partial configs.
	if cfg.Tools.Browse.Viewport.Width != 1280 {
		t.Errorf("viewport width default missing: %d", cfg.Tools.Browse.Viewport.Width)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("HUB_TEST_TOKEN", "from-env")
	path := writeConfig(t, "auth:\n  token: ${HUB_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Token = %q, want from-env", cfg.Auth.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.Auth.Token = "t" }, false},
		{"missing token", func(c *Config) {}, true},
		{"bad port", func(c *Config) { c.Auth.Token = "t"; c.Server.Port = 70000 }, true},
		{"half tls", func(c *Config) { c.Auth.Token = "t"; c.Server.TLS.Cert = "c.pem" }, true},
		{"cli missing command", func(c *Config) {
			c.Auth.Token = "t"
			c.CLI = map[string]CLIProvider{"x": {}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProviderKey(t *testing.T) {
	cfg := Default()
	cfg.SharedKeys.OpenAI = "sk-openai"
	cfg.Providers = map[string]ProviderConfig{"venice": {APIKey: "vk"}}

	if got := cfg.ProviderKey("openai"); got != "sk-openai" {
		t.Errorf("openai key = %q", got)
	}
	if got := cfg.ProviderKey("venice"); got != "vk" {
		t.Errorf("venice key = %q", got)
	}
	if got := cfg.ProviderKey("unknown"); got != "" {
		t.Errorf("unknown key = %q", got)
	}
}
