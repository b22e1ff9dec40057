package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// apiKeyEnv returns the conventional environment variable for a provider.
func apiKeyEnv(provider string) string {
	if provider == ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// GetAPIKey returns the API key for the configured provider.
// It checks in order: provider environment variable, config file.
// Bedrock uses AWS credentials and needs no key.
func GetAPIKey(cfg *Config) (string, error) {
	provider := ProviderAnthropic
	if cfg != nil && cfg.Backend.Provider != "" {
		provider = cfg.Backend.Provider
	}
	if cfg != nil && provider == ProviderAnthropic && cfg.Backend.Bedrock.Enabled {
		return "", nil
	}

	if key := os.Getenv(apiKeyEnv(provider)); key != "" {
		return key, nil
	}

	if key := configKey(cfg); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("%w: set %s or backend.api_key", ErrNoAPIKey, apiKeyEnv(provider))
}

func configKey(cfg *Config) string {
	if cfg == nil || cfg.Backend.APIKey == "" {
		return ""
	}
	// Expand any remaining env var references
	key := os.ExpandEnv(cfg.Backend.APIKey)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with the provider.
func ValidateAPIKey(provider, key string) error {
	if key == "" {
		return ErrNoAPIKey
	}

	switch provider {
	case ProviderOpenAI:
		// Compatible endpoints issue arbitrary tokens; only OpenAI's own are checked.
		if strings.HasPrefix(key, "sk-") && len(key) < 20 {
			return errors.New("invalid API key format: key too short")
		}
	default:
		if !strings.HasPrefix(key, "sk-ant-") {
			return errors.New("invalid API key format: expected 'sk-ant-' prefix")
		}
		if len(key) < 20 {
			return errors.New("invalid API key format: key too short")
		}
	}

	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	provider := ProviderAnthropic
	if cfg != nil && cfg.Backend.Provider != "" {
		provider = cfg.Backend.Provider
	}
	if cfg != nil && provider == ProviderAnthropic && cfg.Backend.Bedrock.Enabled {
		return KeySourceBedrock
	}
	if os.Getenv(apiKeyEnv(provider)) != "" {
		return KeySourceEnv
	}
	if configKey(cfg) != "" {
		return KeySourceConfig
	}
	return KeySourceNone
}
