package format

import (
	"encoding/json"
	"fmt"

	"github.com/jmallek/preftune/pkg/models"
)

// Columns names the source dataset fields a raw example is read from.
type Columns struct {
	Prompt   string
	Chosen   string
	Rejected string
}

// DefaultColumns returns the column names used by the reference dataset.
func DefaultColumns() Columns {
	return Columns{
		Prompt:   "prompt",
		Chosen:   "chosen_response",
		Rejected: "rejected_response",
	}
}

// FormatError reports a malformed or incomplete record. It is local to a
// single record; callers decide whether to skip or abort.
type FormatError struct {
	Index  int    // zero-based position of the record in its split
	Field  string // offending field, when known
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("record %d: field %q: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("record %d: %s", e.Index, e.Reason)
}

// ParseRaw decodes a single source row into a RawExample. A required column
// that is absent or JSON null fails with a *FormatError; an empty string is
// valid content and passes through unchanged.
func ParseRaw(row map[string]json.RawMessage, cols Columns, index int) (models.RawExample, error) {
	prompt, err := stringField(row, cols.Prompt, index)
	if err != nil {
		return models.RawExample{}, err
	}
	chosen, err := stringField(row, cols.Chosen, index)
	if err != nil {
		return models.RawExample{}, err
	}
	rejected, err := stringField(row, cols.Rejected, index)
	if err != nil {
		return models.RawExample{}, err
	}

	return models.RawExample{
		Prompt:   prompt,
		Chosen:   chosen,
		Rejected: rejected,
	}, nil
}

// ParseRawLine decodes one JSONL line into a RawExample.
func ParseRawLine(line []byte, cols Columns, index int) (models.RawExample, error) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(line, &row); err != nil {
		return models.RawExample{}, &FormatError{Index: index, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return ParseRaw(row, cols, index)
}

func stringField(row map[string]json.RawMessage, name string, index int) (string, error) {
	raw, ok := row[name]
	if !ok {
		return "", &FormatError{Index: index, Field: name, Reason: "missing required field"}
	}

	var value *string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", &FormatError{Index: index, Field: name, Reason: "not a string"}
	}
	if value == nil {
		return "", &FormatError{Index: index, Field: name, Reason: "null value"}
	}
	return *value, nil
}

// Preference converts a raw example into the preference-tuning record shape.
// The prompt becomes the sole user message; the chosen and rejected responses
// become single assistant messages under preferred_output and
// non_preferred_output. Content is never reordered, truncated, or rewritten.
func Preference(ex models.RawExample) models.PreferenceRecord {
	return models.PreferenceRecord{
		Input: models.PreferenceInput{
			Messages: []models.ChatMessage{
				{Role: models.RoleUser, Content: ex.Prompt},
			},
		},
		PreferredOutput: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: ex.Chosen},
		},
		NonPreferredOutput: []models.ChatMessage{
			{Role: models.RoleAssistant, Content: ex.Rejected},
		},
	}
}

// Supervised derives a supervised record from a preference record by
// appending the preferred output to the input conversation. The rejected
// side is dropped entirely. Malformed records fail with a *FormatError.
func Supervised(p models.PreferenceRecord) (models.SupervisedRecord, error) {
	if len(p.Input.Messages) == 0 {
		return models.SupervisedRecord{}, &FormatError{Field: "input.messages", Reason: "empty input conversation"}
	}
	if len(p.PreferredOutput) != 1 {
		return models.SupervisedRecord{}, &FormatError{
			Field:  "preferred_output",
			Reason: fmt.Sprintf("expected exactly 1 message, got %d", len(p.PreferredOutput)),
		}
	}
	if p.PreferredOutput[0].Role != models.RoleAssistant {
		return models.SupervisedRecord{}, &FormatError{
			Field:  "preferred_output",
			Reason: fmt.Sprintf("expected assistant role, got %q", p.PreferredOutput[0].Role),
		}
	}

	messages := make([]models.ChatMessage, 0, len(p.Input.Messages)+1)
	messages = append(messages, p.Input.Messages...)
	messages = append(messages, p.PreferredOutput...)

	return models.SupervisedRecord{Messages: messages}, nil
}
