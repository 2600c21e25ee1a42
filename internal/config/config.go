package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentboard.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		OwnerPassword     string `yaml:"owner_password"`
		AgentAPIKey       string `yaml:"agent_api_key"`
		SessionSecret     string `yaml:"session_secret"`
		SessionTTLMinutes int    `yaml:"session_ttl_minutes"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig points at a chat notifier endpoint that receives activity
// batches.
type WebhookConfig struct {
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ab init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Auth.SessionTTLMinutes < 0 {
		return fmt.Errorf("config.auth.session_ttl_minutes must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if _, err := url.Parse(hook.URL); err != nil {
			return fmt.Errorf("webhook %d has invalid url: %w", i, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentboard.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8317"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  listen: ":8317"
  base_path: ""

auth:
  # Shared secret for the web UI / operator. Sent as x-owner-password.
  owner_password: ""
  # Shared secret for autonomous agents. Sent as x-api-key; identity comes
  # from x-agent-id and x-agent-role.
  agent_api_key: ""
  # Secret for signing short-lived owner session tokens (POST /auth/session).
  session_secret: ""
  session_ttl_minutes: 60

# Chat notifier endpoints; each receives JSON batches of new activity rows.
webhooks: []
`
