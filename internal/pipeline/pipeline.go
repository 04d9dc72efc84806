package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/internal/metrics"
	"github.com/jmallek/preftune/internal/writer"
	"github.com/jmallek/preftune/pkg/models"
)

// Source yields the raw examples of one split in source order
type Source interface {
	Rows(ctx context.Context, split models.Split) ([]models.RawExample, error)
}

// Options controls conversion behaviour
type Options struct {
	// RequireNonemptyPrompt skips (and counts) rows whose prompt is empty
	// instead of passing them through.
	RequireNonemptyPrompt bool

	// ShowProgress renders a progress bar per split.
	ShowProgress bool
}

// Failure records a per-record conversion failure and where it came from
type Failure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// SplitResult is the outcome of converting one split
type SplitResult struct {
	Stats    models.SplitStats `json:"stats"`
	Failures []Failure         `json:"failures,omitempty"`
}

// Report summarizes a full conversion run across splits
type Report struct {
	RunID     string        `json:"run_id"`
	CreatedAt time.Time     `json:"created_at"`
	Splits    []SplitResult `json:"splits"`
}

// Convert runs the full pipeline: for every split, fetch the raw examples,
// write the preference records, and derive and write the supervised records.
// A per-record format failure in the supervised derivation skips that record;
// fetch and sink errors abort the split.
func Convert(
	ctx context.Context,
	logger *slog.Logger,
	runID string,
	src Source,
	session *writer.SessionManager,
	splits []models.Split,
	collector *metrics.Collector,
	opts Options,
) (*Report, error) {
	report := &Report{
		RunID:     runID,
		CreatedAt: time.Now(),
	}

	for _, split := range splits {
		result, err := convertSplit(ctx, logger, src, session, split, collector, opts)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", split, err)
		}
		report.Splits = append(report.Splits, result)

		logger.Info("Converted split",
			"split", split,
			"fetched", result.Stats.Fetched,
			"preference_written", result.Stats.PreferenceWritten,
			"supervised_written", result.Stats.SupervisedWritten,
			"skipped", result.Stats.Skipped,
			"duration", result.Stats.Duration)
	}

	if err := writeManifest(session.GetManifestPath(), report); err != nil {
		return nil, err
	}

	return report, nil
}

func convertSplit(
	ctx context.Context,
	logger *slog.Logger,
	src Source,
	session *writer.SessionManager,
	split models.Split,
	collector *metrics.Collector,
	opts Options,
) (SplitResult, error) {
	start := time.Now()
	result := SplitResult{Stats: models.SplitStats{Split: split}}

	examples, err := src.Rows(ctx, split)
	if err != nil {
		return result, fmt.Errorf("failed to load raw examples: %w", err)
	}
	result.Stats.Fetched = len(examples)

	prefWriter, err := writer.NewDatasetWriter(session.GetDatasetPath(models.FormatPreference, split), logger)
	if err != nil {
		return result, err
	}
	defer func() { _ = prefWriter.Close() }()

	sftWriter, err := writer.NewDatasetWriter(session.GetDatasetPath(models.FormatSFT, split), logger)
	if err != nil {
		return result, err
	}
	defer func() { _ = sftWriter.Close() }()

	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.Default(int64(len(examples)), fmt.Sprintf("Converting %s", split))
	}

	for i, ex := range examples {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if opts.RequireNonemptyPrompt && ex.Prompt == "" {
			failure := &format.FormatError{Index: i, Field: "prompt", Reason: "empty prompt rejected by policy"}
			logger.Warn("Skipping record", "split", split, "index", i, "error", failure)
			result.Failures = append(result.Failures, Failure{Index: i, Error: failure.Error()})
			result.Stats.Skipped++
			collector.RecordSkipped(string(split))
			barAdd(bar)
			continue
		}

		pref := format.Preference(ex)
		if err := prefWriter.Write(pref); err != nil {
			return result, err
		}
		result.Stats.PreferenceWritten++
		collector.RecordWritten(string(models.FormatPreference), string(split))

		sup, err := format.Supervised(pref)
		if err != nil {
			// Local to this record: skip it and keep converting.
			logger.Warn("Skipping supervised record", "split", split, "index", i, "error", err)
			result.Failures = append(result.Failures, Failure{Index: i, Error: err.Error()})
			result.Stats.Skipped++
			collector.RecordSkipped(string(split))
			barAdd(bar)
			continue
		}
		if err := sftWriter.Write(sup); err != nil {
			return result, err
		}
		result.Stats.SupervisedWritten++
		collector.RecordWritten(string(models.FormatSFT), string(split))
		barAdd(bar)
	}

	if err := prefWriter.Close(); err != nil {
		return result, err
	}
	if err := sftWriter.Close(); err != nil {
		return result, err
	}

	result.Stats.Duration = time.Since(start)
	return result, nil
}

func barAdd(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Add(1)
	}
}

// writeManifest records the conversion outcome next to the dataset files
func writeManifest(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
