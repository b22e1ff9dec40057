package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/decompose"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.Provider != ProviderAnthropic {
		t.Errorf("expected default provider 'anthropic', got %q", cfg.Backend.Provider)
	}

	if cfg.Agent.ShallowTurns != 2 || cfg.Agent.MediumTurns != 4 || cfg.Agent.DeepTurns != 6 {
		t.Errorf("expected turns 2/4/6, got %d/%d/%d",
			cfg.Agent.ShallowTurns, cfg.Agent.MediumTurns, cfg.Agent.DeepTurns)
	}

	if cfg.Recovery.MaxConcurrent != 5 {
		t.Errorf("expected recovery max_concurrent 5, got %d", cfg.Recovery.MaxConcurrent)
	}

	if cfg.Recovery.MaxDelay != 60*time.Second {
		t.Errorf("expected recovery max_delay 60s, got %v", cfg.Recovery.MaxDelay)
	}

	if cfg.Decompose.MaxGroupSize != 5 {
		t.Errorf("expected max_group_size 5, got %d", cfg.Decompose.MaxGroupSize)
	}

	if cfg.Orchestrator.EventBuffer != 100 {
		t.Errorf("expected event_buffer 100, got %d", cfg.Orchestrator.EventBuffer)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
backend:
  provider: openai
  model: gpt-4o
  api_key: test-key
  base_url: http://localhost:11434/v1
  requests_per_second: 2.5
agent:
  deep_turns: 8
  severity_level: strict
  timeout: 2m
pool:
  max_agents: 3
  acquire_timeout: 30s
decompose:
  max_group_size: 7
  patterns_file: patterns.yaml
permission:
  confirm_timeout: 10s
  external_api_whitelist:
    - api.github.com
recovery:
  base_delay: 500ms
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Backend.Provider != ProviderOpenAI {
		t.Errorf("expected provider 'openai', got %q", cfg.Backend.Provider)
	}
	if cfg.Backend.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Backend.APIKey)
	}
	if cfg.Backend.RequestsPerSecond != 2.5 {
		t.Errorf("expected requests_per_second 2.5, got %v", cfg.Backend.RequestsPerSecond)
	}
	if cfg.Agent.DeepTurns != 8 {
		t.Errorf("expected deep_turns 8, got %d", cfg.Agent.DeepTurns)
	}
	if cfg.Agent.MediumTurns != 4 {
		t.Errorf("expected unset medium_turns to keep default 4, got %d", cfg.Agent.MediumTurns)
	}
	if cfg.Agent.Timeout != 2*time.Minute {
		t.Errorf("expected agent timeout 2m, got %v", cfg.Agent.Timeout)
	}
	if cfg.Pool.MaxAgents != 3 {
		t.Errorf("expected max_agents 3, got %d", cfg.Pool.MaxAgents)
	}
	if cfg.Pool.AcquireTimeout != 30*time.Second {
		t.Errorf("expected acquire_timeout 30s, got %v", cfg.Pool.AcquireTimeout)
	}
	if cfg.Decompose.MaxGroupSize != 7 {
		t.Errorf("expected max_group_size 7, got %d", cfg.Decompose.MaxGroupSize)
	}
	if cfg.Decompose.PatternsFile != "patterns.yaml" {
		t.Errorf("expected patterns_file 'patterns.yaml', got %q", cfg.Decompose.PatternsFile)
	}
	if cfg.Permission.ConfirmTimeout != 10*time.Second {
		t.Errorf("expected confirm_timeout 10s, got %v", cfg.Permission.ConfirmTimeout)
	}
	if len(cfg.Permission.ExternalAPIWhitelist) != 1 || cfg.Permission.ExternalAPIWhitelist[0] != "api.github.com" {
		t.Errorf("expected whitelist [api.github.com], got %v", cfg.Permission.ExternalAPIWhitelist)
	}
	if cfg.Recovery.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected base_delay 500ms, got %v", cfg.Recovery.BaseDelay)
	}
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "backend:\n  provider: cohere\n"},
		{"bad severity level", "agent:\n  severity_level: lenient\n"},
		{"confidence out of range", "agent:\n  min_confidence: 1.5\n"},
		{"max below min agents", "pool:\n  min_agents: 4\n  max_agents: 2\n"},
		{"bedrock without region", "backend:\n  bedrock:\n    enabled: true\n"},
		{"zero group size", "decompose:\n  max_group_size: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write config file: %v", err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPathMissing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadMergesProjectConfig(t *testing.T) {
	userDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userDir)
	if err := os.MkdirAll(filepath.Join(userDir, "critic"), 0755); err != nil {
		t.Fatalf("failed to create user config dir: %v", err)
	}
	userConfig := "backend:\n  max_tokens: 2048\npool:\n  max_agents: 6\n"
	if err := os.WriteFile(filepath.Join(userDir, "critic", "config.yaml"), []byte(userConfig), 0644); err != nil {
		t.Fatalf("failed to write user config: %v", err)
	}

	projectDir := t.TempDir()
	nested := filepath.Join(projectDir, "src", "pkg")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}
	projectConfig := "pool:\n  max_agents: 2\n"
	if err := os.WriteFile(filepath.Join(projectDir, ".critic.yaml"), []byte(projectConfig), 0644); err != nil {
		t.Fatalf("failed to write project config: %v", err)
	}
	t.Chdir(nested)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.MaxTokens != 2048 {
		t.Errorf("expected user max_tokens 2048, got %d", cfg.Backend.MaxTokens)
	}
	if cfg.Pool.MaxAgents != 2 {
		t.Errorf("expected project max_agents 2 to override user 6, got %d", cfg.Pool.MaxAgents)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("CRITIC_POOL_MAX_AGENTS", "9")
	t.Setenv("CRITIC_BACKEND_PROVIDER", "openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pool.MaxAgents != 9 {
		t.Errorf("expected max_agents 9 from env, got %d", cfg.Pool.MaxAgents)
	}
	if cfg.Backend.Provider != ProviderOpenAI {
		t.Errorf("expected provider openai from env, got %q", cfg.Backend.Provider)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "expanded-value")

	result := expandEnv("${TEST_VAR}")
	if result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}

	result = expandEnv("prefix-${TEST_VAR}-suffix")
	if result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	dir := getUserConfigDir()
	expected := "/custom/config/critic"
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Backend.Model = "claude-test"
	cfg.Backend.MaxRetries = 1
	cfg.Agent.DeepTurns = 9
	cfg.Agent.SeverityLevel = "relaxed"
	cfg.Backend.Bedrock = BedrockConfig{Enabled: true, Region: "eu-west-1"}

	conv := cfg.ConversationConfig()
	if conv.MaxTurns != 10 {
		t.Errorf("expected max turns 10, got %d", conv.MaxTurns)
	}
	if conv.MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", conv.MaxRetries)
	}
	if conv.Model != "claude-test" {
		t.Errorf("expected model override, got %q", conv.Model)
	}

	ag := cfg.AgentConfig()
	if ag.DeepTurns != 9 {
		t.Errorf("expected deep turns 9, got %d", ag.DeepTurns)
	}
	if ag.SeverityLevel != agent.SeverityLevel("relaxed") {
		t.Errorf("expected relaxed severity level, got %q", ag.SeverityLevel)
	}

	ac := cfg.AnthropicConfig()
	if !ac.UseAWSBedrock || ac.AWSRegion != "eu-west-1" {
		t.Errorf("expected bedrock in eu-west-1, got %+v", ac)
	}
	if string(ac.Model) != "claude-test" {
		t.Errorf("expected model claude-test, got %q", ac.Model)
	}

	oc := cfg.OpenAIConfig()
	if oc.Model != "claude-test" || oc.MaxTokens != cfg.Backend.MaxTokens {
		t.Errorf("unexpected openai config %+v", oc)
	}
}

func TestPatterns(t *testing.T) {
	cfg := Default()

	p, err := cfg.Patterns()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Critical) != len(decompose.DefaultPatterns().Critical) {
		t.Errorf("expected default critical patterns, got %v", p.Critical)
	}

	cfg.Decompose.PatternsFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := cfg.Patterns(); err == nil {
		t.Error("expected error for missing patterns file")
	}
}
