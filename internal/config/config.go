// Package config handles configuration loading and management for critic.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/internal/decompose"
	"github.com/ShayCichocki/critic/internal/orchestrator"
	"github.com/ShayCichocki/critic/internal/permission"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/recovery"
)

// Provider names accepted in backend.provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds all configuration for critic.
type Config struct {
	Backend      BackendConfig       `mapstructure:"backend"`
	Agent        AgentConfig         `mapstructure:"agent"`
	Pool         pool.Config         `mapstructure:"pool"`
	Decompose    DecomposeConfig     `mapstructure:"decompose"`
	Permission   permission.Config   `mapstructure:"permission"`
	Recovery     recovery.Config     `mapstructure:"recovery"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Store        StoreConfig         `mapstructure:"store"`
	Publish      PublishConfig       `mapstructure:"publish"`
	Log          LogConfig           `mapstructure:"log"`
}

// BackendConfig selects and tunes the reasoning backend.
type BackendConfig struct {
	// Provider is anthropic or openai (any OpenAI-compatible endpoint).
	Provider string `mapstructure:"provider" validate:"oneof=anthropic openai"`
	// Model is empty for the provider's default.
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	// MaxTokens caps each reply.
	MaxTokens int `mapstructure:"max_tokens" validate:"gte=1"`
	// RequestsPerSecond paces calls across all sessions; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=1"`
	// MaxRetries is the per-turn retry count for transient errors.
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	Bedrock        BedrockConfig `mapstructure:"bedrock"`
}

// BedrockConfig routes the Anthropic provider through AWS Bedrock.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region" validate:"required_if=Enabled true"`
	Profile string `mapstructure:"profile"`
}

// AgentConfig shapes each agent conversation.
type AgentConfig struct {
	// ShallowTurns, MediumTurns and DeepTurns cap questioning turns per depth.
	ShallowTurns int `mapstructure:"shallow_turns" validate:"gte=1"`
	MediumTurns  int `mapstructure:"medium_turns" validate:"gte=1"`
	DeepTurns    int `mapstructure:"deep_turns" validate:"gte=1"`
	MaxQuestions int `mapstructure:"max_questions" validate:"gte=1"`
	// CharBudget bounds prompt and response characters per session.
	CharBudget    int           `mapstructure:"char_budget" validate:"gte=0"`
	SeverityLevel string        `mapstructure:"severity_level" validate:"oneof=strict standard relaxed"`
	MinConfidence float64       `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// DecomposeConfig controls task planning.
type DecomposeConfig struct {
	decompose.Config `mapstructure:",squash"`
	// PatternsFile is an optional YAML file of extra priority patterns.
	PatternsFile string `mapstructure:"patterns_file"`
}

// StoreConfig locates the history database.
type StoreConfig struct {
	// Path is the SQLite file; empty uses the user data directory.
	Path string `mapstructure:"path"`
	// Retention is how long finished reviews are kept.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// PublishConfig locates the comment outbox.
type PublishConfig struct {
	// Outbox is the JSON-lines file approved comments are appended to.
	Outbox string `mapstructure:"outbox"`
}

// LogConfig controls debug logging.
type LogConfig struct {
	Debug     bool   `mapstructure:"debug"`
	DebugPath string `mapstructure:"debug_path"`
	// TraceFile receives OpenTelemetry spans as JSON when set.
	TraceFile string `mapstructure:"trace_file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CRITIC_SECTION_KEY, plus ANTHROPIC_API_KEY)
// 2. Project config (.critic.yaml in current directory or parent)
// 3. User config (~/.config/critic/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CRITIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Backend.APIKey = expandEnv(cfg.Backend.APIKey)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Publish.Outbox = expandEnv(cfg.Publish.Outbox)
	cfg.Permission.InboxDir = expandEnv(cfg.Permission.InboxDir)
	cfg.Log.TraceFile = expandEnv(cfg.Log.TraceFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("backend.provider", d.Backend.Provider)
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.max_tokens", d.Backend.MaxTokens)
	v.SetDefault("backend.requests_per_second", d.Backend.RequestsPerSecond)
	v.SetDefault("backend.burst", d.Backend.Burst)
	v.SetDefault("backend.max_retries", d.Backend.MaxRetries)
	v.SetDefault("backend.initial_backoff", d.Backend.InitialBackoff.String())
	v.SetDefault("backend.max_backoff", d.Backend.MaxBackoff.String())
	v.SetDefault("backend.bedrock.enabled", false)
	v.SetDefault("backend.bedrock.region", "")
	v.SetDefault("backend.bedrock.profile", "")

	v.SetDefault("agent.shallow_turns", d.Agent.ShallowTurns)
	v.SetDefault("agent.medium_turns", d.Agent.MediumTurns)
	v.SetDefault("agent.deep_turns", d.Agent.DeepTurns)
	v.SetDefault("agent.max_questions", d.Agent.MaxQuestions)
	v.SetDefault("agent.char_budget", d.Agent.CharBudget)
	v.SetDefault("agent.severity_level", d.Agent.SeverityLevel)
	v.SetDefault("agent.min_confidence", d.Agent.MinConfidence)
	v.SetDefault("agent.timeout", d.Agent.Timeout.String())

	v.SetDefault("pool.min_agents", d.Pool.MinAgents)
	v.SetDefault("pool.max_agents", d.Pool.MaxAgents)
	v.SetDefault("pool.acquire_timeout", d.Pool.AcquireTimeout.String())
	v.SetDefault("pool.high_watermark", d.Pool.HighWatermark)
	v.SetDefault("pool.low_watermark", d.Pool.LowWatermark)

	v.SetDefault("decompose.max_group_size", d.Decompose.MaxGroupSize)
	v.SetDefault("decompose.max_group_complexity", d.Decompose.MaxGroupComplexity)
	v.SetDefault("decompose.patterns_file", "")

	v.SetDefault("permission.confirm_timeout", d.Permission.ConfirmTimeout.String())
	v.SetDefault("permission.external_api_whitelist", []string{})
	v.SetDefault("permission.inbox_dir", d.Permission.InboxDir)

	v.SetDefault("recovery.max_concurrent", d.Recovery.MaxConcurrent)
	v.SetDefault("recovery.max_attempts", d.Recovery.MaxAttempts)
	v.SetDefault("recovery.base_delay", d.Recovery.BaseDelay.String())
	v.SetDefault("recovery.max_delay", d.Recovery.MaxDelay.String())
	v.SetDefault("recovery.retention", d.Recovery.Retention.String())

	v.SetDefault("orchestrator.event_buffer", d.Orchestrator.EventBuffer)
	v.SetDefault("orchestrator.publish_concurrency", d.Orchestrator.PublishConcurrency)

	v.SetDefault("store.path", "")
	v.SetDefault("store.retention", d.Store.Retention.String())

	v.SetDefault("publish.outbox", d.Publish.Outbox)

	v.SetDefault("log.debug", false)
	v.SetDefault("log.debug_path", "")
	v.SetDefault("log.trace_file", "")
}

// getUserConfigDir returns the XDG config directory for critic.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "critic")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "critic")
	}
	return filepath.Join(home, ".config", "critic")
}

// findProjectConfig searches for .critic.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".critic.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	conv := conversation.DefaultConfig()
	ag := agent.DefaultConfig()
	perm := permission.DefaultConfig()
	perm.InboxDir = filepath.Join(".critic", "inbox")
	return &Config{
		Backend: BackendConfig{
			Provider:       ProviderAnthropic,
			MaxTokens:      conv.MaxTokens,
			Burst:          conv.Burst,
			MaxRetries:     conv.MaxRetries,
			InitialBackoff: conv.InitialBackoff,
			MaxBackoff:     conv.MaxBackoff,
		},
		Agent: AgentConfig{
			ShallowTurns:  ag.ShallowTurns,
			MediumTurns:   ag.MediumTurns,
			DeepTurns:     ag.DeepTurns,
			MaxQuestions:  ag.MaxQuestions,
			CharBudget:    conv.CharBudget,
			SeverityLevel: string(ag.SeverityLevel),
			MinConfidence: ag.MinConfidence,
			Timeout:       ag.Timeout,
		},
		Pool:         pool.DefaultConfig(),
		Decompose:    DecomposeConfig{Config: decompose.DefaultConfig()},
		Permission:   perm,
		Recovery:     recovery.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Store: StoreConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Publish: PublishConfig{
			Outbox: filepath.Join(".critic", "outbox.jsonl"),
		},
	}
}

// AnthropicConfig returns the Anthropic client settings.
func (c *Config) AnthropicConfig() backend.AnthropicConfig {
	return backend.AnthropicConfig{
		Model:         anthropic.Model(c.Backend.Model),
		APIKey:        c.Backend.APIKey,
		BaseURL:       c.Backend.BaseURL,
		MaxTokens:     c.Backend.MaxTokens,
		UseAWSBedrock: c.Backend.Bedrock.Enabled,
		AWSRegion:     c.Backend.Bedrock.Region,
		AWSProfile:    c.Backend.Bedrock.Profile,
	}
}

// OpenAIConfig returns the OpenAI-compatible client settings.
func (c *Config) OpenAIConfig() backend.OpenAIConfig {
	return backend.OpenAIConfig{
		APIKey:    c.Backend.APIKey,
		BaseURL:   c.Backend.BaseURL,
		Model:     c.Backend.Model,
		MaxTokens: c.Backend.MaxTokens,
	}
}

// ConversationConfig returns the conversation engine settings.
func (c *Config) ConversationConfig() conversation.Config {
	cfg := conversation.DefaultConfig()
	cfg.MaxRetries = c.Backend.MaxRetries
	cfg.InitialBackoff = c.Backend.InitialBackoff
	cfg.MaxBackoff = c.Backend.MaxBackoff
	cfg.RequestsPerSecond = c.Backend.RequestsPerSecond
	cfg.Burst = c.Backend.Burst
	cfg.MaxTokens = c.Backend.MaxTokens
	cfg.Model = c.Backend.Model
	cfg.CharBudget = c.Agent.CharBudget
	// One analysis turn plus the deepest questioning allowance.
	cfg.MaxTurns = 1 + max(c.Agent.ShallowTurns, c.Agent.MediumTurns, c.Agent.DeepTurns)
	return cfg
}

// AgentConfig returns the agent settings.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		ShallowTurns:  c.Agent.ShallowTurns,
		MediumTurns:   c.Agent.MediumTurns,
		DeepTurns:     c.Agent.DeepTurns,
		MaxQuestions:  c.Agent.MaxQuestions,
		SeverityLevel: agent.SeverityLevel(c.Agent.SeverityLevel),
		MinConfidence: c.Agent.MinConfidence,
		Timeout:       c.Agent.Timeout,
	}
}

// Patterns returns the priority patterns, extended by PatternsFile when set.
func (c *Config) Patterns() (decompose.Patterns, error) {
	if c.Decompose.PatternsFile == "" {
		return decompose.DefaultPatterns(), nil
	}
	p, err := decompose.LoadPatterns(c.Decompose.PatternsFile)
	if err != nil {
		return p, fmt.Errorf("load patterns %s: %w", c.Decompose.PatternsFile, err)
	}
	return p, nil
}
