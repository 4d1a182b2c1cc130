// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxHistoryLength is the per-conversation turn capacity used when
// history.max_length is not configured.
const DefaultMaxHistoryLength = 10

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
// When enabled, the HTTP server listens on the tailnet instead of a TCP addr.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the request-ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig holds conversation history configuration
type HistoryConfig struct {
	MaxLength int `yaml:"max_length"`
}

// ModelsConfig points at the model registry document
type ModelsConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds agent behavior and tool-server configuration
type AgentConfig struct {
	Name             string             `yaml:"name"`
	InstructionsFile string             `yaml:"instructions_file"`
	ToolServers      []ToolServerConfig `yaml:"tool_servers"`
}

// ToolServerConfig describes one remote MCP tool server reachable over
// streamable HTTP.
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset fields with their defaults.
// MAX_HISTORY_LENGTH overrides history.max_length when set to a positive integer.
func (c *Config) applyDefaults() {
	if c.History.MaxLength == 0 {
		c.History.MaxLength = DefaultMaxHistoryLength
	}
	if env := os.Getenv("MAX_HISTORY_LENGTH"); env != "" {
		if n, err := strconv.Atoi(env); err == nil && n > 0 {
			c.History.MaxLength = n
		}
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "Assistant"
	}
	if c.Database.Path == "" {
		c.Database.Path = "chat-gateway.db"
	}
	for i := range c.Agent.ToolServers {
		if c.Agent.ToolServers[i].Timeout == 0 {
			c.Agent.ToolServers[i].Timeout = 30 * time.Second
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.History.MaxLength < 1 {
		return fmt.Errorf("history.max_length must be positive")
	}

	for _, ts := range c.Agent.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("agent.tool_servers entries require a name")
		}
		if ts.URL == "" {
			return fmt.Errorf("agent.tool_servers[%s].url is required", ts.Name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for i := range cfg.Agent.ToolServers {
		ts := &cfg.Agent.ToolServers[i]
		if ts.TimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(ts.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tool_servers[%s].timeout %q: %w", ts.Name, ts.TimeoutRaw, err)
		}
		ts.Timeout = d
	}
	return nil
}
