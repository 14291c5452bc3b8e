package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is the instruction sent with every completion request.
const DefaultSystemPrompt = "You are a world-class expert in theoretical ML research, computational neuroscience, and cognitive science " +
	"with extensive experience in engineering complex ML systems end-to-end in production. Respond with concise " +
	"answers backed by rigorous mathematics and theory. Make sure to double check your math and logic for " +
	"correctness and consistency rigorously before answering. Finally, back up the choices you make with a deep, " +
	"specific rationale rather than vague, general answers."

// Config holds all application configuration for the relay.
// It is loaded from ~/.cortex-relay/config.yaml and can be overridden by environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Reasoning ReasoningConfig `mapstructure:"reasoning" yaml:"reasoning"`
	RAG       RAGConfig       `mapstructure:"rag" yaml:"rag"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Discord   DiscordConfig   `mapstructure:"discord" yaml:"discord"`
	Telegram  TelegramConfig  `mapstructure:"telegram" yaml:"telegram"`
	WebChat   WebChatConfig   `mapstructure:"webchat" yaml:"webchat"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig contains configuration for the completion endpoint.
type LLMConfig struct {
	// Provider is "anthropic" or "gemini"
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Endpoint overrides the provider's API base URL
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the authentication key; falls back to ANTHROPIC_API_KEY / GEMINI_API_KEY
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the model identifier sent with each request
	Model string `mapstructure:"model" yaml:"model"`
	// Temperature for every completion
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	// MaxTokens is the per-request output bound
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`
	// Timeout bounds a single completion request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RequestsPerMinute throttles calls to the endpoint; 0 disables throttling
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	// MaxConcurrent caps in-flight completion requests; 0 means unlimited
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// RelayConfig controls conversation handling.
type RelayConfig struct {
	// Mode is "single" (conversation per user) or "multi" (conversation per channel)
	Mode string `mapstructure:"mode" yaml:"mode"`
	// MaxTurns bounds the window sent to the provider
	MaxTurns int `mapstructure:"max_turns" yaml:"max_turns"`
	// SystemPrompt is sent with every completion
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt"`
	// ThinkingMessage is the provisional message posted while a reply is produced
	ThinkingMessage string `mapstructure:"thinking_message" yaml:"thinking_message"`
	// ConfirmTimeout is how long a destructive command waits for "y"
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	// CommandPrefix marks relay commands (e.g. "!mode")
	CommandPrefix string `mapstructure:"command_prefix" yaml:"command_prefix"`
}

// ReasoningConfig controls the budget-forced reasoning loop.
type ReasoningConfig struct {
	// DefaultRounds is used for users who never set a round count
	DefaultRounds int `mapstructure:"default_rounds" yaml:"default_rounds"`
	// MaxRounds is the hard ceiling on rounds
	MaxRounds int `mapstructure:"max_rounds" yaml:"max_rounds"`
	// OpenMarker starts the reasoning segment
	OpenMarker string `mapstructure:"open_marker" yaml:"open_marker"`
	// CloseMarker ends the reasoning segment and is the per-round stop boundary
	CloseMarker string `mapstructure:"close_marker" yaml:"close_marker"`
	// Continuation is appended between rounds to force more reasoning
	Continuation string `mapstructure:"continuation" yaml:"continuation"`
	// MaxBufferBytes bounds the accumulated reasoning text
	MaxBufferBytes int `mapstructure:"max_buffer_bytes" yaml:"max_buffer_bytes"`
}

// RAGConfig controls the two-tier evidence pipeline.
type RAGConfig struct {
	// PapersDir holds the permanent corpus
	PapersDir string `mapstructure:"papers_dir" yaml:"papers_dir"`
	// SearchEndpoint is the external document search API base URL
	SearchEndpoint string `mapstructure:"search_endpoint" yaml:"search_endpoint"`
	// SearchAPIKey raises the search API's rate limit; optional
	SearchAPIKey string `mapstructure:"search_api_key" yaml:"search_api_key,omitempty"`
	// MetadataEndpoint is the bibliographic metadata API base URL
	MetadataEndpoint string `mapstructure:"metadata_endpoint" yaml:"metadata_endpoint"`
	// MaxResults bounds external search candidates
	MaxResults int `mapstructure:"max_results" yaml:"max_results"`
	// DownloadConcurrency bounds parallel document downloads
	DownloadConcurrency int `mapstructure:"download_concurrency" yaml:"download_concurrency"`
	// ChunkTokens is the target chunk size for the evidence index
	ChunkTokens int `mapstructure:"chunk_tokens" yaml:"chunk_tokens"`
	// TopK is the number of passages given to the answering step
	TopK int `mapstructure:"top_k" yaml:"top_k"`
	// MailTo identifies the relay to the metadata service's polite pool
	MailTo string `mapstructure:"mailto" yaml:"mailto,omitempty"`
}

// StoreConfig locates persistent state.
type StoreConfig struct {
	// DataDir holds relay.db
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// RedisConfig enables cross-process conversation locks. Empty Addr means
// in-process locks.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr,omitempty"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// DiscordConfig configures the Discord surface.
type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
}

// TelegramConfig configures the Telegram surface.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
}

// WebChatConfig configures the websocket surface.
type WebChatConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ServerConfig configures the ops endpoint (/metrics, /healthz).
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
	// Pretty enables human-readable console output
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	relayDir := filepath.Join(homeDir, ".cortex-relay")

	return &Config{
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-3-5-sonnet-20240620",
			Temperature: 0.1,
			MaxTokens:   4096,
			Timeout:     2 * time.Minute,

			RequestsPerMinute: 60,
			MaxConcurrent:     5,
		},
		Relay: RelayConfig{
			Mode:            "single",
			MaxTurns:        20,
			SystemPrompt:    DefaultSystemPrompt,
			ThinkingMessage: "Thinking...",
			ConfirmTimeout:  30 * time.Second,
			CommandPrefix:   "!",
		},
		Reasoning: ReasoningConfig{
			DefaultRounds:  3,
			MaxRounds:      20,
			OpenMarker:     "<think>",
			CloseMarker:    "</think>",
			Continuation:   "\nWait ",
			MaxBufferBytes: 256 * 1024,
		},
		RAG: RAGConfig{
			PapersDir:           filepath.Join(relayDir, "papers"),
			SearchEndpoint:      "https://api.semanticscholar.org",
			MetadataEndpoint:    "https://api.crossref.org",
			MaxResults:          5,
			DownloadConcurrency: 3,
			ChunkTokens:         400,
			TopK:                8,
		},
		Store: StoreConfig{
			DataDir: relayDir,
		},
		Redis: RedisConfig{
			LockTTL: 5 * time.Minute,
		},
		WebChat: WebChatConfig{
			Addr: "127.0.0.1:8090",
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(relayDir, "logs", "relay.log"),
			Pretty: true,
		},
	}
}

// Load reads configuration from the default location (~/.cortex-relay/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".cortex-relay", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: RELAY_LLM_API_KEY, RELAY_DISCORD_TOKEN
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are omitted from the written file, so AutomaticEnv alone
	// would never see them during Unmarshal.
	for _, key := range []string{"llm.api_key", "llm.endpoint", "discord.token", "telegram.token", "redis.addr", "redis.password", "rag.mailto", "rag.search_api_key"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.DataDir = expandPath(cfg.Store.DataDir)
	cfg.RAG.PapersDir = expandPath(cfg.RAG.PapersDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	cfg.applyDefaults()
	cfg.applyEnvKeys()

	return &cfg, nil
}

// applyDefaults fills zero values left by a hand-edited config file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Relay.MaxTurns == 0 {
		c.Relay.MaxTurns = d.Relay.MaxTurns
	}
	if c.Relay.SystemPrompt == "" {
		c.Relay.SystemPrompt = d.Relay.SystemPrompt
	}
	if c.Relay.ThinkingMessage == "" {
		c.Relay.ThinkingMessage = d.Relay.ThinkingMessage
	}
	if c.Relay.ConfirmTimeout == 0 {
		c.Relay.ConfirmTimeout = d.Relay.ConfirmTimeout
	}
	if c.Relay.CommandPrefix == "" {
		c.Relay.CommandPrefix = d.Relay.CommandPrefix
	}
	if c.Reasoning.OpenMarker == "" {
		c.Reasoning.OpenMarker = d.Reasoning.OpenMarker
	}
	if c.Reasoning.CloseMarker == "" {
		c.Reasoning.CloseMarker = d.Reasoning.CloseMarker
	}
	if c.Reasoning.Continuation == "" {
		c.Reasoning.Continuation = d.Reasoning.Continuation
	}
	if c.Reasoning.MaxBufferBytes == 0 {
		c.Reasoning.MaxBufferBytes = d.Reasoning.MaxBufferBytes
	}
	if c.RAG.DownloadConcurrency == 0 {
		c.RAG.DownloadConcurrency = d.RAG.DownloadConcurrency
	}
	if c.RAG.ChunkTokens == 0 {
		c.RAG.ChunkTokens = d.RAG.ChunkTokens
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = d.RAG.TopK
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = d.Redis.LockTTL
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = d.LLM.Timeout
	}
}

// applyEnvKeys fills secrets from the conventional environment variables.
func (c *Config) applyEnvKeys() {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Discord.Token == "" {
		c.Discord.Token = os.Getenv("DISCORD_TOKEN")
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// EnsureDirectories creates the data, papers and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Store.DataDir,
		c.RAG.PapersDir,
		filepath.Dir(c.Logging.File),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// MultiParty reports whether conversations are keyed by channel.
func (c *Config) MultiParty() bool {
	return c.Relay.Mode == "multi"
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.Provider != "anthropic" && c.LLM.Provider != "gemini" {
		return fmt.Errorf("invalid llm.provider '%s', must be 'anthropic' or 'gemini'", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model cannot be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if c.LLM.RequestsPerMinute < 0 || c.LLM.MaxConcurrent < 0 {
		return fmt.Errorf("llm.requests_per_minute and llm.max_concurrent cannot be negative")
	}

	if c.Relay.Mode != "single" && c.Relay.Mode != "multi" {
		return fmt.Errorf("invalid relay.mode '%s', must be 'single' or 'multi'", c.Relay.Mode)
	}
	if c.Relay.MaxTurns < 2 {
		return fmt.Errorf("relay.max_turns must be at least 2")
	}

	if c.Reasoning.MaxRounds < 1 {
		return fmt.Errorf("reasoning.max_rounds must be at least 1")
	}
	if c.Reasoning.DefaultRounds < 1 || c.Reasoning.DefaultRounds > c.Reasoning.MaxRounds {
		return fmt.Errorf("reasoning.default_rounds must be between 1 and %d", c.Reasoning.MaxRounds)
	}
	if c.Reasoning.OpenMarker == c.Reasoning.CloseMarker {
		return fmt.Errorf("reasoning.open_marker and reasoning.close_marker must differ")
	}

	if c.RAG.MaxResults < 0 {
		return fmt.Errorf("rag.max_results cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Config may carry tokens.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
