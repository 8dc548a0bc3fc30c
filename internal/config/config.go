// ABOUTME: Configuration loading and parsing for parley-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parley-server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Agents    AgentsConfig    `yaml:"agents"`
	Broker    BrokerConfig    `yaml:"broker"`
	Auth      AuthConfig      `yaml:"auth"`
	Firehose  FirehoseConfig  `yaml:"firehose"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig selects the event/task/conversation store backend
type StorageConfig struct {
	// Backend is "memory" or "sqlite"
	Backend string `yaml:"backend"`
	// Path is the sqlite database directory, one file per conversation
	Path string `yaml:"path"`
}

// WorkspaceConfig holds the root under which per-conversation sandboxes live
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// AgentsConfig holds agent preset configuration
type AgentsConfig struct {
	// PresetsPath is a TOML file of named agent configurations
	PresetsPath   string `yaml:"presets_path"`
	DefaultPreset string `yaml:"default_preset"`
}

// BrokerConfig holds broker timing configuration
type BrokerConfig struct {
	FanoutTimeout time.Duration `yaml:"-"`
	DestroyGrace  time.Duration `yaml:"-"`
	ShutdownGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	FanoutTimeoutRaw string `yaml:"fanout_timeout"`
	DestroyGraceRaw  string `yaml:"destroy_grace"`
	ShutdownGraceRaw string `yaml:"shutdown_grace"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// FirehoseConfig holds firehose websocket client configuration
type FirehoseConfig struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"-"`

	BackoffRaw string `yaml:"backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given: in-memory
// stores, a workspace root under the working directory, no auth.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Storage:   StorageConfig{Backend: "memory"},
		Workspace: WorkspaceConfig{Root: "workspaces"},
		Broker: BrokerConfig{
			FanoutTimeout: 5 * time.Second,
			DestroyGrace:  10 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Firehose: FirehoseConfig{
			Retries: 5,
			Backoff: time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
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

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required when storage.backend is sqlite")
		}
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"sqlite\", got %q", c.Storage.Backend)
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}

	if c.Firehose.Retries < 0 {
		return fmt.Errorf("firehose.retries must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.FanoutTimeoutRaw != "" {
		cfg.Broker.FanoutTimeout, err = time.ParseDuration(cfg.Broker.FanoutTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing fanout_timeout %q: %w", cfg.Broker.FanoutTimeoutRaw, err)
		}
	}

	if cfg.Broker.DestroyGraceRaw != "" {
		cfg.Broker.DestroyGrace, err = time.ParseDuration(cfg.Broker.DestroyGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing destroy_grace %q: %w", cfg.Broker.DestroyGraceRaw, err)
		}
	}

	if cfg.Broker.ShutdownGraceRaw != "" {
		cfg.Broker.ShutdownGrace, err = time.ParseDuration(cfg.Broker.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Broker.ShutdownGraceRaw, err)
		}
	}

	if cfg.Firehose.BackoffRaw != "" {
		cfg.Firehose.Backoff, err = time.ParseDuration(cfg.Firehose.BackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing firehose backoff %q: %w", cfg.Firehose.BackoffRaw, err)
		}
	}

	return nil
}
