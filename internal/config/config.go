package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Context  ContextConfig  `toml:"context"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKey       string `toml:"api_key"`
	BaseURL      string `toml:"base_url"`
	MaxTokens    int    `toml:"max_tokens"`
	SystemPrompt string `toml:"system_prompt"`
}

type ContextConfig struct {
	MaxTurns      int `toml:"max_turns"`
	ToolResultCap int `toml:"tool_result_cap"`
}

type DatabaseConfig struct {
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:      LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-20250514", MaxTokens: 4096},
		Context:  ContextConfig{MaxTurns: 20, ToolResultCap: 10000},
		Database: DatabaseConfig{Path: "tern.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "tern.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("TERN_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("TERN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("TERN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("TERN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("TERN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TERN_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("TERN_MAX_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.MaxTurns = n
		}
	}
	if v := os.Getenv("TERN_TOOL_RESULT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.ToolResultCap = n
		}
	}
	if os.Getenv("TERN_OBSERVER_ENABLED") == "true" || os.Getenv("TERN_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
