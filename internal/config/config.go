// ABOUTME: Configuration loading and parsing for myagentive
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete myagentive configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Bot      BotConfig      `yaml:"bot"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds the external engine process configuration
type EngineConfig struct {
	Command          string   `yaml:"command"`
	SystemPrompt     string   `yaml:"system_prompt"`
	AllowedTools     []string `yaml:"allowed_tools"`
	WorkDir          string   `yaml:"work_dir"`
	MaxContextTokens int64    `yaml:"max_context_tokens"`
}

// BotConfig holds bot transport configuration
type BotConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	APIBase      string  `yaml:"api_base"`
	ReplyMode    string  `yaml:"reply_mode"` // off, first, all
	AllowedChats []int64 `yaml:"allowed_chats"`

	ResponseTimeout time.Duration `yaml:"-"`
	EditInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ResponseTimeoutRaw string `yaml:"response_timeout"`
	EditIntervalRaw    string `yaml:"edit_interval"`
}

// WebConfig holds the browser transport configuration
type WebConfig struct {
	Enabled      bool   `yaml:"enabled"`
	FilesURLBase string `yaml:"files_url_base"`
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Bot.Enabled && c.Bot.Token == "" {
		return fmt.Errorf("bot.token is required when the bot is enabled")
	}

	switch c.Bot.ReplyMode {
	case "", "off", "first", "all":
	default:
		return fmt.Errorf("bot.reply_mode must be one of off, first, all (got %q)", c.Bot.ReplyMode)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Bot.ResponseTimeoutRaw != "" {
		cfg.Bot.ResponseTimeout, err = time.ParseDuration(cfg.Bot.ResponseTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing response_timeout %q: %w", cfg.Bot.ResponseTimeoutRaw, err)
		}
	}

	if cfg.Bot.EditIntervalRaw != "" {
		cfg.Bot.EditInterval, err = time.ParseDuration(cfg.Bot.EditIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing edit_interval %q: %w", cfg.Bot.EditIntervalRaw, err)
		}
	}

	return nil
}
