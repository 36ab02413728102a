// Package config loads sidekick's hierarchical configuration: defaults,
// optional YAML file, then SIDEKICK_* environment variables on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// LLM configures the model provider.
type LLM struct {
	Provider         string  `mapstructure:"provider"`
	Model            string  `mapstructure:"model"`
	APIKey           string  `mapstructure:"api_key"`
	MaxTokens        int     `mapstructure:"max_tokens"`
	Temperature      float64 `mapstructure:"temperature"`
	MaxContextTokens int     `mapstructure:"max_context_tokens"`
	RateLimitRPM     int     `mapstructure:"rate_limit_rpm"`
	LocalEndpoint    string  `mapstructure:"local_endpoint"`
}

// Discord configures the Discord gateway transport.
type Discord struct {
	Token         string  `mapstructure:"token"`
	GuildIDs      []int64 `mapstructure:"guild_ids"`
	CommandPrefix string  `mapstructure:"command_prefix"`
}

// Signal configures the Signal transport, either a signal-cli subprocess or
// a REST bridge.
type Signal struct {
	PhoneNumber   string `mapstructure:"phone_number"`
	Mode          string `mapstructure:"mode"`
	SignalCLIPath string `mapstructure:"signal_cli_path"`
	RESTAPIURL    string `mapstructure:"rest_api_url"`
	DataDir       string `mapstructure:"data_dir"`
}

// Auth configures the permission ledger.
type Auth struct {
	AdminUsers         []string `mapstructure:"admin_users"`
	OperatorUsers      []string `mapstructure:"operator_users"`
	TrustedUsers       []string `mapstructure:"trusted_users"`
	DefaultLevel       int      `mapstructure:"default_level"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	SudoTimeoutSeconds int      `mapstructure:"sudo_timeout_seconds"`
}

// Scheduler configures the heartbeat and cron loop.
type Scheduler struct {
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"`
	HeartbeatFile     string `mapstructure:"heartbeat_file"`
	Enabled           bool   `mapstructure:"enabled"`
	// NotifyChannel is where job results are announced, as
	// "platform:channel". Empty means results are only logged.
	NotifyChannel string `mapstructure:"notify_channel"`
}

// Chunker configures per-platform message splitting.
type Chunker struct {
	DiscordLimit int     `mapstructure:"discord_limit"`
	SignalLimit  int     `mapstructure:"signal_limit"`
	TypingDelay  float64 `mapstructure:"typing_delay"`
	MinChunkSize int     `mapstructure:"min_chunk_size"`
}

// WebhookEndpoint is one authenticated POST route.
type WebhookEndpoint struct {
	Name           string `mapstructure:"name"`
	Path           string `mapstructure:"path"`
	Secret         string `mapstructure:"secret"`
	Channel        string `mapstructure:"channel"`
	PromptTemplate string `mapstructure:"prompt_template"`
}

// Webhooks configures the HTTP ingress listener.
type Webhooks struct {
	Enabled   bool              `mapstructure:"enabled"`
	Bind      string            `mapstructure:"bind"`
	Port      int               `mapstructure:"port"`
	Endpoints []WebhookEndpoint `mapstructure:"endpoints"`
}

// Config is the root of all runtime configuration.
type Config struct {
	LLM       LLM       `mapstructure:"llm"`
	Discord   Discord   `mapstructure:"discord"`
	Signal    Signal    `mapstructure:"signal"`
	Auth      Auth      `mapstructure:"auth"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Chunker   Chunker   `mapstructure:"chunker"`
	Webhooks  Webhooks  `mapstructure:"webhooks"`

	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	DryRun    bool   `mapstructure:"dry_run"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_context_tokens", 100000)
	v.SetDefault("llm.rate_limit_rpm", 50)
	v.SetDefault("llm.local_endpoint", "http://localhost:11434/v1")

	v.SetDefault("discord.command_prefix", "!")

	v.SetDefault("signal.mode", "cli")
	v.SetDefault("signal.signal_cli_path", "signal-cli")
	v.SetDefault("signal.rest_api_url", "http://localhost:8080")

	v.SetDefault("auth.default_level", 0)
	v.SetDefault("auth.rate_limit_per_minute", 10)
	v.SetDefault("auth.sudo_timeout_seconds", 300)

	v.SetDefault("scheduler.heartbeat_interval", 30)
	v.SetDefault("scheduler.enabled", true)

	v.SetDefault("chunker.discord_limit", 1900)
	v.SetDefault("chunker.signal_limit", 2000)
	v.SetDefault("chunker.typing_delay", 0.5)
	v.SetDefault("chunker.min_chunk_size", 100)

	v.SetDefault("webhooks.enabled", false)
	v.SetDefault("webhooks.bind", "127.0.0.1")
	v.SetDefault("webhooks.port", 8090)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration. path names a YAML file explicitly; when empty,
// SIDEKICK_CONFIG is consulted. Environment variables with the SIDEKICK_
// prefix override file values, with "_" separating nested keys
// (SIDEKICK_LLM_API_KEY sets llm.api_key).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIDEKICK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("SIDEKICK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "sidekick")
	}
	if cfg.Scheduler.HeartbeatFile == "" {
		cfg.Scheduler.HeartbeatFile = filepath.Join(cfg.DataDir, "heartbeat")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the process cannot run with. Called at
// startup; failures are fatal.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "local":
	default:
		return fmt.Errorf("llm.provider must be anthropic or local, got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "anthropic" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for the anthropic provider")
	}
	switch c.Signal.Mode {
	case "cli", "rest":
	default:
		return fmt.Errorf("signal.mode must be cli or rest, got %q", c.Signal.Mode)
	}
	if c.Auth.DefaultLevel < 0 || c.Auth.DefaultLevel > 3 {
		return fmt.Errorf("auth.default_level must be 0..3, got %d", c.Auth.DefaultLevel)
	}
	for _, ep := range c.Webhooks.Endpoints {
		if ep.Name == "" || ep.Path == "" {
			return fmt.Errorf("webhook endpoint needs both name and path (name=%q path=%q)", ep.Name, ep.Path)
		}
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhook path %q must start with /", ep.Path)
		}
	}
	if c.Chunker.DiscordLimit <= c.Chunker.MinChunkSize || c.Chunker.SignalLimit <= c.Chunker.MinChunkSize {
		return fmt.Errorf("chunker limits must exceed min_chunk_size")
	}
	return nil
}
