// Package config loads and validates the relay configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the relay.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Tools   ToolsConfig   `yaml:"tools"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicBaseURL is the externally reachable root used when building
	// upload URLs. Defaults to http://localhost:<port>.
	PublicBaseURL string `yaml:"public_base_url"`

	// UploadsDir is where generated and user-supplied images are stored.
	UploadsDir string `yaml:"uploads_dir"`
}

type LLMConfig struct {
	// Provider selects the adapter: openai, anthropic, or gemini.
	// Chosen once at startup; every request uses the same adapter.
	Provider string `yaml:"provider"`

	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	System    string `yaml:"system_prompt"`
	MaxTokens int    `yaml:"max_tokens"`

	// StreamBeforeTools streams text before the tool decision is known.
	StreamBeforeTools bool `yaml:"stream_before_tools"`

	// MaxToolRounds caps tool-execution rounds per request.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	// KeyHarvestURL enables the scraped-key fallback for the OpenAI
	// adapter when api_key is empty.
	KeyHarvestURL string `yaml:"key_harvest_url"`
}

type ToolsConfig struct {
	// SearchEndpoint overrides the aggregated search API URL.
	SearchEndpoint string `yaml:"search_endpoint"`

	// ImageGenEndpoint overrides the text-to-image backend URL.
	ImageGenEndpoint string `yaml:"image_gen_endpoint"`

	// ImageEditBaseURL overrides the image edit backend base URL.
	ImageEditBaseURL string `yaml:"image_edit_base_url"`

	// Timeout bounds each tool execution.
	Timeout time.Duration `yaml:"timeout"`

	// Locale is the default formatting locale for the clock tool.
	Locale string `yaml:"locale"`
}

type SessionConfig struct {
	// IdleTTL expires sessions with no activity. Zero disables expiry.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// LockTimeout bounds how long a request waits for the session lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields, including environment fallbacks for
// credentials.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7860
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.Server.UploadsDir == "" {
		cfg.Server.UploadsDir = "uploads"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModelFor(cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = envKeyFor(cfg.LLM.Provider)
	}
	if cfg.LLM.MaxToolRounds == 0 {
		cfg.LLM.MaxToolRounds = 4
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 2 * time.Minute
	}
	if cfg.Tools.Locale == "" {
		cfg.Tools.Locale = "en-US"
	}
	if cfg.Session.LockTimeout == 0 {
		cfg.Session.LockTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai":
		// An empty key is allowed when key harvesting is configured.
		if c.LLM.APIKey == "" && c.LLM.KeyHarvestURL == "" {
			return fmt.Errorf("llm: api_key or key_harvest_url is required for provider openai")
		}
	case "anthropic", "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm: api_key is required for provider %s", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("llm: unknown provider %q", c.LLM.Provider)
	}
	if c.LLM.MaxToolRounds < 0 {
		return fmt.Errorf("llm: max_tool_rounds must not be negative")
	}
	return nil
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return "gpt-4o"
	}
}

func envKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}
