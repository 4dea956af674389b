// Package config handles Colloquy configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/colloquy/config.yaml, /etc/colloquy/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "colloquy", "config.yaml"))
	}

	paths = append(paths, "/etc/colloquy/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Colloquy configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	DataDir   string                  `yaml:"data_dir"`
	Database  DatabaseConfig          `yaml:"database"`
	Ollama    OllamaConfig            `yaml:"ollama"`
	Search    SearchConfig            `yaml:"search"`
	Agent     AgentConfig             `yaml:"agent"`
	Chat      ChatConfig              `yaml:"chat"`
	Langfuse  LangfuseConfig          `yaml:"langfuse"`
	Auth      AuthConfig              `yaml:"auth"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQL driver and file for conversation,
// user, and usage storage.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve against DataDir.
	Path string `yaml:"path"`
}

// OllamaConfig defines the generation runtime connection.
type OllamaConfig struct {
	URL          string        `yaml:"url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SearchConfig defines the web search backend. Provider selects which
// of the configured providers answers internet-strategy turns and the
// agent's web_search tool.
type SearchConfig struct {
	Provider   string        `yaml:"provider"` // tavily, searxng
	Depth      string        `yaml:"depth"`    // basic, advanced
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
	Tavily     TavilyConfig  `yaml:"tavily"`
	SearXNG    SearXNGConfig `yaml:"searxng"`
}

// TavilyConfig holds Tavily API credentials.
type TavilyConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether at least one provider has credentials.
func (c SearchConfig) Configured() bool {
	return c.Tavily.APIKey != "" || c.SearXNG.URL != ""
}

// AgentConfig tunes the tool-using agent.
type AgentConfig struct {
	MemoryBufferSize int `yaml:"memory_buffer_size"`
	MaxIterations    int `yaml:"max_iterations"`
}

// ChatConfig tunes turn orchestration.
type ChatConfig struct {
	// HistoryLimit is how many prior messages are loaded per turn.
	HistoryLimit int `yaml:"history_limit"`
	// DirectWindow bounds the history sent to direct generation.
	DirectWindow int `yaml:"direct_window"`
	// SystemMessage overrides the direct-generation system prompt.
	SystemMessage string `yaml:"system_message"`
}

// LangfuseConfig enables trace export to a Langfuse instance. Tracing
// is disabled unless both keys are set.
type LangfuseConfig struct {
	Host          string        `yaml:"host"`
	PublicKey     string        `yaml:"public_key"`
	SecretKey     string        `yaml:"secret_key"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

// Configured reports whether Langfuse credentials are present.
func (c LangfuseConfig) Configured() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// AuthConfig defines bearer token issuance.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// MQTTConfig defines the optional broker that receives turn events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PricingEntry is the cost per million tokens for one model. Models
// without an entry are treated as free (local).
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Environment variable
// references like ${TAVILY_API_KEY} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "colloquy.db"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.DefaultModel == "" {
		c.Ollama.DefaultModel = "llama3:latest"
	}
	if c.Ollama.Timeout == 0 {
		c.Ollama.Timeout = 120 * time.Second
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "tavily"
	}
	if c.Search.Depth == "" {
		c.Search.Depth = "basic"
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 30 * time.Second
	}
	if c.Search.Tavily.BaseURL == "" {
		c.Search.Tavily.BaseURL = "https://api.tavily.com"
	}
	if c.Agent.MemoryBufferSize == 0 {
		c.Agent.MemoryBufferSize = 20
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = 10
	}
	if c.Chat.DirectWindow == 0 {
		c.Chat.DirectWindow = 10
	}
	if c.Langfuse.Host == "" {
		c.Langfuse.Host = "https://cloud.langfuse.com"
	}
	if c.Langfuse.FlushInterval == 0 {
		c.Langfuse.FlushInterval = 2 * time.Second
	}
	if c.Langfuse.QueueSize == 0 {
		c.Langfuse.QueueSize = 1000
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 60 * time.Minute
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "colloquy"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "colloquy"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration values that can never work.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	switch c.Search.Provider {
	case "tavily", "searxng":
	default:
		errs = append(errs, fmt.Errorf("search.provider %q not supported (valid: tavily, searxng)", c.Search.Provider))
	}
	if c.Search.Configured() {
		switch {
		case c.Search.Provider == "tavily" && c.Search.Tavily.APIKey == "":
			errs = append(errs, fmt.Errorf("search.provider is tavily but search.tavily.api_key is empty"))
		case c.Search.Provider == "searxng" && c.Search.SearXNG.URL == "":
			errs = append(errs, fmt.Errorf("search.provider is searxng but search.searxng.url is empty"))
		}
	}
	switch c.Search.Depth {
	case "basic", "advanced":
	default:
		errs = append(errs, fmt.Errorf("search.depth %q not supported (valid: basic, advanced)", c.Search.Depth))
	}
	if c.Search.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("search.max_results must not be negative"))
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must not be negative"))
	}
	if c.Chat.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("chat.history_limit must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q not supported (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// DatabasePath returns the database file path, resolved against DataDir
// when relative.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, c.Database.Path)
}
