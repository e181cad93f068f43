package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Process  ProcessConfig  `toml:"process"`
	FD       FDConfig       `toml:"fd"`
	Provider ProviderConfig `toml:"provider"`
	Store    StoreConfig    `toml:"store"`
	Guard    GuardConfig    `toml:"guard"`
	Observer ObserverConfig `toml:"observer"`
}

type ProcessConfig struct {
	SystemPrompt string `toml:"system_prompt"`
	Access       string `toml:"access"`
	MaxTurns     int    `toml:"max_turns"`
}

type FDConfig struct {
	PageSize             int  `toml:"page_size"`
	MaxDirectOutputChars int  `toml:"max_direct_output_chars"`
	MaxInputChars        int  `toml:"max_input_chars"`
	PageUserInput        bool `toml:"page_user_input"`
	EnableReferences     bool `toml:"enable_references"`
}

type ProviderConfig struct {
	Kind    string `toml:"kind"`
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file
	DSN    string `toml:"dsn"`    // postgres connection string
}

type GuardConfig struct {
	Enabled  bool     `toml:"enabled"`
	Patterns []string `toml:"patterns"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Process: ProcessConfig{
			Access:   "admin",
			MaxTurns: 8,
		},
		FD: FDConfig{
			PageSize:             4000,
			MaxDirectOutputChars: 8000,
			MaxInputChars:        8000,
		},
		Provider: ProviderConfig{
			Kind:    "openaicompat",
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
		},
		Store: StoreConfig{Driver: "sqlite", Path: "parley.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "parley.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PARLEY_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("PARLEY_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PARLEY_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("PARLEY_STORE_DSN"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = v
	}
	if os.Getenv("PARLEY_OBSERVER_ENABLED") == "true" || os.Getenv("PARLEY_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
