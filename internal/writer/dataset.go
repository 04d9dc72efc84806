package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// DatasetWriter handles thread-safe JSON Lines output: one marshalled record
// per line, with a running count of successfully written lines.
type DatasetWriter struct {
	file   *os.File
	path   string
	mu     sync.Mutex
	count  int
	closed bool
	logger *slog.Logger
}

// NewDatasetWriter creates (truncating) the JSONL file at path
func NewDatasetWriter(path string, logger *slog.Logger) (*DatasetWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset file: %w", err)
	}

	logger.Info("Created dataset file", "path", path)

	return &DatasetWriter{
		file:   file,
		path:   path,
		logger: logger,
	}, nil
}

// Write serializes a single record and appends it as one line
func (dw *DatasetWriter) Write(record any) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := dw.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	dw.count++
	return nil
}

// Count returns the number of records written so far
func (dw *DatasetWriter) Count() int {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.count
}

// Path returns the file path this writer appends to
func (dw *DatasetWriter) Path() string {
	return dw.path
}

// Close syncs and closes the dataset file. Subsequent calls are no-ops.
func (dw *DatasetWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.closed {
		return nil
	}
	dw.closed = true

	if err := dw.file.Sync(); err != nil {
		dw.logger.Warn("Failed to sync dataset file", "path", dw.path, "error", err)
	}

	if err := dw.file.Close(); err != nil {
		return fmt.Errorf("failed to close dataset file: %w", err)
	}

	return nil
}
