package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		Dataset: DatasetConfig{
			Source:             "hub",
			RepoID:             "someuser/preference-pairs",
			Config:             "default",
			Splits:             []string{"train", "validation"},
			PromptColumn:       "prompt",
			ChosenColumn:       "chosen_response",
			RejectedColumn:     "rejected_response",
			PageSize:           100,
			RateLimitPerMinute: 60,
		},
		Finetune: FinetuneConfig{
			BaseURL: "https://api.example.com/v1",
			Model:   "base-model-mini",
			DPO: DPOTrainingConfig{
				Beta:                   0.1,
				Epochs:                 2,
				LearningRateMultiplier: 1.0,
			},
			SFT: SFTTrainingConfig{
				Enabled:                true,
				Epochs:                 1,
				LearningRateMultiplier: 1.0,
			},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "unknown source", mutate: func(c *Config) { c.Dataset.Source = "s3" }, wantErr: true},
		{name: "hub without repo id", mutate: func(c *Config) { c.Dataset.RepoID = "" }, wantErr: true},
		{name: "unknown split", mutate: func(c *Config) { c.Dataset.Splits = []string{"test"} }, wantErr: true},
		{name: "no splits", mutate: func(c *Config) { c.Dataset.Splits = nil }, wantErr: true},
		{name: "missing column name", mutate: func(c *Config) { c.Dataset.ChosenColumn = "" }, wantErr: true},
		{name: "page size too large", mutate: func(c *Config) { c.Dataset.PageSize = 500 }, wantErr: true},
		{name: "missing model", mutate: func(c *Config) { c.Finetune.Model = "" }, wantErr: true},
		{name: "zero beta", mutate: func(c *Config) { c.Finetune.DPO.Beta = 0 }, wantErr: true},
		{name: "negative beta", mutate: func(c *Config) { c.Finetune.DPO.Beta = -0.5 }, wantErr: true},
		{name: "zero dpo epochs", mutate: func(c *Config) { c.Finetune.DPO.Epochs = 0 }, wantErr: true},
		{name: "bad sft learning rate", mutate: func(c *Config) { c.Finetune.SFT.LearningRateMultiplier = -1 }, wantErr: true},
		{
			name: "file source without paths",
			mutate: func(c *Config) {
				c.Dataset.Source = "file"
				c.Dataset.Files = map[string]string{"train": "train.jsonl"}
			},
			wantErr: true,
		},
		{
			name: "file source with paths",
			mutate: func(c *Config) {
				c.Dataset.Source = "file"
				c.Dataset.Files = map[string]string{"train": "train.jsonl", "validation": "valid.jsonl"}
			},
			wantErr: false,
		},
		{
			name: "disabled sft skips bounds",
			mutate: func(c *Config) {
				c.Finetune.SFT.Enabled = false
				c.Finetune.SFT.Epochs = -3
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[dataset]
repo_id = "someuser/preference-pairs"

[finetune]
model = "base-model-mini"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Dataset.Source != "hub" {
		t.Errorf("expected default source hub, got %q", cfg.Dataset.Source)
	}
	if cfg.Dataset.PromptColumn != "prompt" || cfg.Dataset.ChosenColumn != "chosen_response" || cfg.Dataset.RejectedColumn != "rejected_response" {
		t.Errorf("unexpected default columns: %+v", cfg.Dataset)
	}
	if len(cfg.Dataset.Splits) != 2 {
		t.Errorf("expected default train+validation splits, got %v", cfg.Dataset.Splits)
	}
	if cfg.Dataset.PageSize != MaxPageSize {
		t.Errorf("expected default page size %d, got %d", MaxPageSize, cfg.Dataset.PageSize)
	}
	if cfg.Finetune.DPO.Beta != 0.1 {
		t.Errorf("expected default beta 0.1, got %v", cfg.Finetune.DPO.Beta)
	}
	if cfg.Finetune.BaseURL == "" {
		t.Error("expected default base URL to be set")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateInputs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "clean config", mutate: func(c *Config) {}, wantErr: false},
		{name: "repo id without owner", mutate: func(c *Config) { c.Dataset.RepoID = "justaname" }, wantErr: true},
		{name: "repo id traversal", mutate: func(c *Config) { c.Dataset.RepoID = "../../etc/passwd" }, wantErr: true},
		{name: "control chars in column", mutate: func(c *Config) { c.Dataset.PromptColumn = "pro\x00mpt" }, wantErr: true},
		{name: "ftp base url", mutate: func(c *Config) { c.Finetune.BaseURL = "ftp://api.example.com" }, wantErr: true},
		{name: "base url without host", mutate: func(c *Config) { c.Finetune.BaseURL = "https://" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.ValidateInputs()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSecretsFallback(t *testing.T) {
	t.Setenv("FINETUNE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	t.Setenv("HF_TOKEN", "")
	t.Setenv("HUGGING_FACE_TOKEN", "hf-fallback")

	secrets, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets returned error: %v", err)
	}
	if secrets.FinetuneAPIKey != "sk-fallback" {
		t.Errorf("expected OPENAI_API_KEY fallback, got %q", secrets.FinetuneAPIKey)
	}
	if secrets.HubToken != "hf-fallback" {
		t.Errorf("expected HUGGING_FACE_TOKEN fallback, got %q", secrets.HubToken)
	}
}
