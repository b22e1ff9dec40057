package main

import (
	"fmt"

	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/config"
)

// newBackend creates the reasoning backend selected by backend.provider.
func newBackend(cfg *config.Config) (backend.ReasoningBackend, error) {
	key, err := config.GetAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend.Provider {
	case config.ProviderOpenAI:
		oc := cfg.OpenAIConfig()
		oc.APIKey = key
		b, err := backend.NewOpenAI(oc)
		if err != nil {
			return nil, fmt.Errorf("create openai backend: %w", err)
		}
		return b, nil
	case config.ProviderAnthropic, "":
		if key != "" {
			if err := config.ValidateAPIKey(config.ProviderAnthropic, key); err != nil {
				return nil, err
			}
		}
		ac := cfg.AnthropicConfig()
		ac.APIKey = key
		b, err := backend.NewAnthropic(ac)
		if err != nil {
			return nil, fmt.Errorf("create anthropic backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}
