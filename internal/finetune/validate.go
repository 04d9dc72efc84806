package finetune

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jmallek/preftune/pkg/models"
)

// ValidateDatasetFile checks a JSONL file against the schema the service
// expects for the given format before spending an upload on it. Returns the
// number of records checked.
func ValidateDatasetFile(path string, datasetFormat models.DatasetFormat) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	count := 0
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch datasetFormat {
		case models.FormatPreference:
			var rec models.PreferenceRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return count, fmt.Errorf("line %d: invalid preference record: %w", lineNum, err)
			}
			if err := checkPreferenceShape(rec); err != nil {
				return count, fmt.Errorf("line %d: %w", lineNum, err)
			}
		case models.FormatSFT:
			var rec models.SupervisedRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return count, fmt.Errorf("line %d: invalid supervised record: %w", lineNum, err)
			}
			if len(rec.Messages) < 2 {
				return count, fmt.Errorf("line %d: supervised record needs at least a user and an assistant turn", lineNum)
			}
			if rec.Messages[len(rec.Messages)-1].Role != models.RoleAssistant {
				return count, fmt.Errorf("line %d: supervised record must end with an assistant turn", lineNum)
			}
		default:
			return count, fmt.Errorf("unknown dataset format: %s", datasetFormat)
		}
		count++
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed while reading dataset file: %w", err)
	}
	return count, nil
}

func checkPreferenceShape(rec models.PreferenceRecord) error {
	if len(rec.Input.Messages) == 0 {
		return fmt.Errorf("preference record has empty input.messages")
	}
	if len(rec.PreferredOutput) != 1 {
		return fmt.Errorf("preferred_output must have exactly 1 message, got %d", len(rec.PreferredOutput))
	}
	if len(rec.NonPreferredOutput) != 1 {
		return fmt.Errorf("non_preferred_output must have exactly 1 message, got %d", len(rec.NonPreferredOutput))
	}
	if rec.PreferredOutput[0].Role != models.RoleAssistant || rec.NonPreferredOutput[0].Role != models.RoleAssistant {
		return fmt.Errorf("output messages must use the assistant role")
	}
	return nil
}
