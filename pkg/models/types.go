package models

import "time"

// Role identifies the author of a chat message
type Role string

const (
	// RoleUser marks a message written by the end user (the prompt side)
	RoleUser Role = "user"
	// RoleAssistant marks a message written by the model (the response side)
	RoleAssistant Role = "assistant"
)

// ChatMessage represents a single turn in a chat-formatted training example
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RawExample is a single row of the source preference dataset.
// Empty strings are legal content; field presence is checked at parse time.
type RawExample struct {
	Prompt   string
	Chosen   string
	Rejected string
}

// PreferenceInput holds the conversation context shared by both outputs
type PreferenceInput struct {
	Messages []ChatMessage `json:"messages"`
}

// PreferenceRecord is the preference-tuning schema consumed by the
// fine-tuning service: one user context, one preferred and one
// non-preferred assistant completion.
type PreferenceRecord struct {
	Input              PreferenceInput `json:"input"`
	PreferredOutput    []ChatMessage   `json:"preferred_output"`
	NonPreferredOutput []ChatMessage   `json:"non_preferred_output"`
}

// SupervisedRecord is the supervised fine-tuning schema: the input
// conversation followed by the preferred completion only.
type SupervisedRecord struct {
	Messages []ChatMessage `json:"messages"`
}

// Split names a partition of the source dataset
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
)

// DatasetFormat identifies which output schema a file carries
type DatasetFormat string

const (
	// FormatPreference produces PreferenceRecord lines for preference tuning
	FormatPreference DatasetFormat = "preference"
	// FormatSFT produces SupervisedRecord lines for supervised fine-tuning
	FormatSFT DatasetFormat = "sft"
)

// SplitStats tracks conversion counts for a single split
type SplitStats struct {
	Split             Split         `json:"split"`
	Fetched           int           `json:"fetched"`
	PreferenceWritten int           `json:"preference_written"`
	SupervisedWritten int           `json:"supervised_written"`
	Skipped           int           `json:"skipped"`
	Duration          time.Duration `json:"duration"`
}
