package hub

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/pkg/models"
)

// FileSource serves raw examples from local JSONL files, one per split.
// It is the offline counterpart of Dataset for rows already downloaded.
type FileSource struct {
	Paths   map[models.Split]string
	Columns format.Columns
	Logger  *slog.Logger
}

// Rows reads one split's JSONL file in line order. Blank lines are skipped;
// a line that fails to parse fails the split.
func (f *FileSource) Rows(ctx context.Context, split models.Split) ([]models.RawExample, error) {
	path, ok := f.Paths[split]
	if !ok {
		return nil, fmt.Errorf("no input file configured for split %s", split)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input dataset: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var examples []models.RawExample
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ex, err := format.ParseRawLine([]byte(line), f.Columns, len(examples))
		if err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading input dataset: %w", err)
	}

	f.Logger.Info("Loaded split rows from file", "split", split, "path", path, "rows", len(examples))
	return examples, nil
}
