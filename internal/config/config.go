package config

import (
	"fmt"
	"os"

	"github.com/jmallek/preftune/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Dataset  DatasetConfig  `toml:"dataset"`
	Finetune FinetuneConfig `toml:"finetune"`
}

// DatasetConfig describes where raw preference rows come from and how
// their columns map onto prompt/chosen/rejected.
type DatasetConfig struct {
	Source                string            `toml:"source"`  // "hub" (datasets-server) or "file" (local JSONL)
	RepoID                string            `toml:"repo_id"` // e.g. "someuser/preference-pairs"
	Config                string            `toml:"config"`  // dataset config name (default: "default")
	Splits                []string          `toml:"splits"`
	PromptColumn          string            `toml:"prompt_column"`
	ChosenColumn          string            `toml:"chosen_column"`
	RejectedColumn        string            `toml:"rejected_column"`
	Files                 map[string]string `toml:"files"` // split -> local JSONL path, for source="file"
	PageSize              int               `toml:"page_size"`
	RateLimitPerMinute    int               `toml:"rate_limit_per_minute"`
	RequireNonemptyPrompt bool              `toml:"require_nonempty_prompt"`
}

// FinetuneConfig holds settings for the remote fine-tuning service
type FinetuneConfig struct {
	BaseURL            string            `toml:"base_url"`
	Model              string            `toml:"model"`  // base model for the preference job
	Suffix             string            `toml:"suffix"` // optional model name suffix
	ValidateOnUpload   bool              `toml:"validate_on_upload"`
	HTTPTimeoutSeconds int               `toml:"http_timeout_seconds"`
	DPO                DPOTrainingConfig `toml:"dpo"`
	SFT                SFTTrainingConfig `toml:"sft"`
}

// DPOTrainingConfig configures the preference-optimization job
type DPOTrainingConfig struct {
	Beta                   float64 `toml:"beta"` // conservativeness of the preference update
	Epochs                 int     `toml:"epochs"`
	LearningRateMultiplier float64 `toml:"learning_rate_multiplier"`
	Checkpoints            int     `toml:"checkpoints"`
}

// SFTTrainingConfig configures the optional follow-up supervised job
type SFTTrainingConfig struct {
	Enabled                bool    `toml:"enabled"`
	Epochs                 int     `toml:"epochs"`
	LearningRateMultiplier float64 `toml:"learning_rate_multiplier"`
	FromDPOModel           bool    `toml:"from_dpo_model"` // chain from the finished preference job's model
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	FinetuneAPIKey string
	HubToken       string
}

const (
	// MaxPageSize is the largest page the datasets-server accepts per request
	MaxPageSize = 100
	// MaxBeta is the upper bound accepted for the DPO beta parameter
	MaxBeta = 2.0
	// MaxEpochs is the upper bound accepted for epoch counts
	MaxEpochs = 50
)

// SplitNames returns the configured splits as typed values. Call after Validate.
func (c *Config) SplitNames() []models.Split {
	splits := make([]models.Split, 0, len(c.Dataset.Splits))
	for _, s := range c.Dataset.Splits {
		splits = append(splits, models.Split(s))
	}
	return splits
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Dataset.Source {
	case "hub":
		if c.Dataset.RepoID == "" {
			return fmt.Errorf("dataset.repo_id is required when dataset.source is \"hub\"")
		}
	case "file":
		for _, split := range c.Dataset.Splits {
			if c.Dataset.Files[split] == "" {
				return fmt.Errorf("dataset.files must map split %q to a JSONL path when dataset.source is \"file\"", split)
			}
		}
	default:
		return fmt.Errorf("dataset.source must be \"hub\" or \"file\" (got %q)", c.Dataset.Source)
	}

	if len(c.Dataset.Splits) == 0 {
		return fmt.Errorf("dataset.splits must name at least one split")
	}
	for _, split := range c.Dataset.Splits {
		if split != string(models.SplitTrain) && split != string(models.SplitValidation) {
			return fmt.Errorf("dataset.splits entries must be %q or %q (got %q)",
				models.SplitTrain, models.SplitValidation, split)
		}
	}

	if c.Dataset.PromptColumn == "" || c.Dataset.ChosenColumn == "" || c.Dataset.RejectedColumn == "" {
		return fmt.Errorf("dataset prompt/chosen/rejected column names must all be set")
	}
	if c.Dataset.PageSize < 1 || c.Dataset.PageSize > MaxPageSize {
		return fmt.Errorf("dataset.page_size must be between 1 and %d (got %d)", MaxPageSize, c.Dataset.PageSize)
	}
	if c.Dataset.RateLimitPerMinute < 1 {
		return fmt.Errorf("dataset.rate_limit_per_minute must be at least 1 (got %d)", c.Dataset.RateLimitPerMinute)
	}

	if c.Finetune.Model == "" {
		return fmt.Errorf("finetune.model is required")
	}
	if c.Finetune.DPO.Beta <= 0 || c.Finetune.DPO.Beta > MaxBeta {
		return fmt.Errorf("finetune.dpo.beta must be in (0, %.1f] (got %.3f)", MaxBeta, c.Finetune.DPO.Beta)
	}
	if err := validateTrainingBounds("dpo", c.Finetune.DPO.Epochs, c.Finetune.DPO.LearningRateMultiplier); err != nil {
		return err
	}
	if c.Finetune.DPO.Checkpoints < 0 {
		return fmt.Errorf("finetune.dpo.checkpoints must not be negative (got %d)", c.Finetune.DPO.Checkpoints)
	}
	if c.Finetune.SFT.Enabled {
		if err := validateTrainingBounds("sft", c.Finetune.SFT.Epochs, c.Finetune.SFT.LearningRateMultiplier); err != nil {
			return err
		}
	}

	return nil
}

func validateTrainingBounds(section string, epochs int, lr float64) error {
	if epochs < 1 || epochs > MaxEpochs {
		return fmt.Errorf("finetune.%s.epochs must be between 1 and %d (got %d)", section, MaxEpochs, epochs)
	}
	if lr <= 0 {
		return fmt.Errorf("finetune.%s.learning_rate_multiplier must be positive (got %.3f)", section, lr)
	}
	return nil
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{}

	if key := os.Getenv("FINETUNE_API_KEY"); key != "" {
		secrets.FinetuneAPIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.FinetuneAPIKey = key
	}

	if token := os.Getenv("HF_TOKEN"); token != "" {
		secrets.HubToken = token
	} else if token := os.Getenv("HUGGING_FACE_TOKEN"); token != "" {
		secrets.HubToken = token
	}

	return secrets, nil
}
