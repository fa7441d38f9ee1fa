package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"medflow/internal/rbac"
)

// Config models medflow.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`

	Mailer MailerConfig `yaml:"mailer"`

	Roles map[string]Role `yaml:"roles"`
}

// MailerConfig configures both the outbound dispatcher (URL) and the mail
// transport service (groups, from, optional SMTP relay).
type MailerConfig struct {
	URL            string              `yaml:"url"`
	Addr           string              `yaml:"addr"`
	From           string              `yaml:"from"`
	TimeoutSeconds int                 `yaml:"timeout_seconds"`
	Groups         map[string][]string `yaml:"groups"`
	SMTP           struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"smtp"`
}

type Role struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with mf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when no config file exists.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for roleID, role := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if _, _, err := rbac.Capability(capability).Split(); err != nil {
				return fmt.Errorf("role %s: %w", roleID, err)
			}
		}
	}
	for group, addrs := range c.Mailer.Groups {
		key := strings.ToUpper(group)
		if key != "OPS" && key != "SALES" {
			return fmt.Errorf("mailer group %s unknown, want OPS or SALES", group)
		}
		for _, addr := range addrs {
			if strings.TrimSpace(addr) == "" {
				return fmt.Errorf("mailer group %s has empty address", group)
			}
		}
	}
	return nil
}

// GroupAddresses resolves a recipient group name, case-insensitively.
func (c *Config) GroupAddresses(group string) []string {
	for name, addrs := range c.Mailer.Groups {
		if strings.EqualFold(name, group) {
			return addrs
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "medflow.yml")
}

// Default returns the built-in default config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: :8080
  base_path: /v1
  jwt_secret: ""
  allow_legacy_actor_header: false

mailer:
  url: http://127.0.0.1:8025/send
  addr: :8025
  from: dispatch@medflow.local
  timeout_seconds: 5
  groups:
    OPS:
      - ops@medflow.local
    SALES:
      - sales@medflow.local

roles:
  admin:
    description: "Administrator; bypasses every capability check"
  sales:
    description: "Originates transport requests and conveys client decisions"
    capabilities:
      - transport.view
      - transport.create
      - transport.edit
      - transport.approve
      - transport.reject
      - clinics.view
  ops:
    description: "Confirms resource availability and assigns units"
    capabilities:
      - transport.view
      - transport.ops
      - transport.assign
      - dispatch.view
      - fleet.view
  dispatcher:
    description: "Read-only view over the transport board"
    capabilities:
      - transport.view
      - dispatch.view
      - fleet.view
`
