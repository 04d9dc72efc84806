package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Dataset.Source == "" {
		cfg.Dataset.Source = "hub"
	}
	if cfg.Dataset.Config == "" {
		cfg.Dataset.Config = "default"
	}
	if len(cfg.Dataset.Splits) == 0 {
		cfg.Dataset.Splits = []string{"train", "validation"}
	}
	if cfg.Dataset.PromptColumn == "" {
		cfg.Dataset.PromptColumn = "prompt"
	}
	if cfg.Dataset.ChosenColumn == "" {
		cfg.Dataset.ChosenColumn = "chosen_response"
	}
	if cfg.Dataset.RejectedColumn == "" {
		cfg.Dataset.RejectedColumn = "rejected_response"
	}
	if cfg.Dataset.PageSize == 0 {
		cfg.Dataset.PageSize = MaxPageSize
	}
	if cfg.Dataset.RateLimitPerMinute == 0 {
		cfg.Dataset.RateLimitPerMinute = 60
	}

	if cfg.Finetune.BaseURL == "" {
		cfg.Finetune.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Finetune.HTTPTimeoutSeconds == 0 {
		cfg.Finetune.HTTPTimeoutSeconds = 120
	}
	if cfg.Finetune.DPO.Beta == 0 {
		cfg.Finetune.DPO.Beta = 0.1
	}
	if cfg.Finetune.DPO.Epochs == 0 {
		cfg.Finetune.DPO.Epochs = 1
	}
	if cfg.Finetune.DPO.LearningRateMultiplier == 0 {
		cfg.Finetune.DPO.LearningRateMultiplier = 1.0
	}
	if cfg.Finetune.SFT.Epochs == 0 {
		cfg.Finetune.SFT.Epochs = 1
	}
	if cfg.Finetune.SFT.LearningRateMultiplier == 0 {
		cfg.Finetune.SFT.LearningRateMultiplier = 1.0
	}
}
