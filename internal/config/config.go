// Package config handles toolbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mwynn/toolbridge/internal/transport"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolbridge/config.yaml,
// /etc/toolbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/toolbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolbridge configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Transport TransportConfig `yaml:"transport"`
	Planner   PlannerConfig   `yaml:"planner"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// TransportConfig defines the client's connection settings.
type TransportConfig struct {
	// Endpoint is the server base URL (http:// or ws://).
	Endpoint string `yaml:"endpoint"`
	// ConnectTimeoutSec bounds each connect attempt and doubles as
	// the per-request response deadline.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// MaxReconnectAttempts after a connection loss; 0 disables
	// reconnection entirely.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// ReconnectDelaySec is the fixed delay before each attempt.
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`
}

// Policy converts the section to a transport reconnect policy.
func (t TransportConfig) Policy() transport.Policy {
	return transport.Policy{
		ConnectTimeout:       time.Duration(t.ConnectTimeoutSec) * time.Second,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(t.ReconnectDelaySec) * time.Second,
	}
}

// PlannerConfig defines the Ollama planner settings.
type PlannerConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	Model     string `yaml:"model"`
}

// DispatchConfig defines dispatch loop settings.
type DispatchConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// LoadEnvFile loads a .env file from the working directory if one
// exists. A missing file is not an error.
func LoadEnvFile() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads configuration from a YAML file. ${VAR} references in the
// file are expanded from the environment, then TOOLBRIDGE_* variables
// override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	policy := transport.DefaultPolicy()
	return &Config{
		Listen: ListenConfig{Port: 8720},
		Transport: TransportConfig{
			Endpoint:             "http://localhost:8720",
			ConnectTimeoutSec:    int(policy.ConnectTimeout / time.Second),
			MaxReconnectAttempts: policy.MaxReconnectAttempts,
			ReconnectDelaySec:    int(policy.ReconnectDelay / time.Second),
		},
		Planner: PlannerConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "qwen3:4b",
		},
		Dispatch: DispatchConfig{MaxIterations: 10},
		LogLevel: "info",
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOOLBRIDGE_ENDPOINT"); v != "" {
		c.Transport.Endpoint = v
	}
	if v := os.Getenv("TOOLBRIDGE_OLLAMA_URL"); v != "" {
		c.Planner.OllamaURL = v
	}
	if v := os.Getenv("TOOLBRIDGE_MODEL"); v != "" {
		c.Planner.Model = v
	}
	if v := os.Getenv("TOOLBRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TOOLBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("transport.endpoint is empty")
	}
	if c.Transport.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("transport.connect_timeout_sec must be positive")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must not be negative")
	}
	if c.Transport.ReconnectDelaySec < 0 {
		return fmt.Errorf("transport.reconnect_delay_sec must not be negative")
	}
	if c.Dispatch.MaxIterations <= 0 {
		return fmt.Errorf("dispatch.max_iterations must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
