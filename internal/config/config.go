package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Agent describes one configured remote agent endpoint
type Agent struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // agui | a2a | acp | stream
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// Reconnect controls the ACP socket reconnection policy
type Reconnect struct {
	MaxAttempts  int `yaml:"maxAttempts"`
	DelaySeconds int `yaml:"delaySeconds"`
}

type Config struct {
	Agents    []Agent   `yaml:"agents"`
	Reconnect Reconnect `yaml:"reconnect"`

	// Seconds a human-approval request may stay unanswered before it is denied
	ApprovalTimeoutSeconds int `yaml:"approvalTimeoutSeconds"`

	LogLevel string `yaml:"logLevel,omitempty"`
}

func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "agentlink")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".agentlink")
	}
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func Save(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// Default returns a config with defaults applied and no agents configured
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.DelaySeconds == 0 {
		c.Reconnect.DelaySeconds = 3
	}
	if c.ApprovalTimeoutSeconds == 0 {
		c.ApprovalTimeoutSeconds = 60
	}
}

// Agent finds a configured agent by name
func (c *Config) Agent(name string) (*Agent, error) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], nil
		}
	}
	return nil, fmt.Errorf("unknown agent: %s", name)
}
