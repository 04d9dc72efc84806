package writer

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/pkg/models"
)

func TestDatasetWriterLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preference-train.jsonl")
	dw, err := NewDatasetWriter(path, slog.Default())
	if err != nil {
		t.Fatalf("NewDatasetWriter returned error: %v", err)
	}

	examples := []models.RawExample{
		{Prompt: "one", Chosen: "a", Rejected: "x"},
		{Prompt: "two", Chosen: "b", Rejected: "y"},
		{Prompt: "", Chosen: "", Rejected: ""},
	}
	for _, ex := range examples {
		if err := dw.Write(format.Preference(ex)); err != nil {
			t.Fatalf("Write returned error: %v", err)
		}
	}

	if dw.Count() != len(examples) {
		t.Fatalf("expected count %d, got %d", len(examples), dw.Count())
	}
	if err := dw.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen dataset: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var lines int
	for scanner.Scan() {
		var rec models.PreferenceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not a valid record: %v", lines+1, err)
		}
		want := format.Preference(examples[lines])
		if !reflect.DeepEqual(rec, want) {
			t.Fatalf("line %d mismatch:\n got %+v\nwant %+v", lines+1, rec, want)
		}
		lines++
	}
	if lines != len(examples) {
		t.Fatalf("expected %d lines, got %d", len(examples), lines)
	}
}

// chdirTemp mirrors t.Chdir (Go 1.24+) for older toolchains.
func chdirTemp(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestSessionManagerPaths(t *testing.T) {
	chdirTemp(t, t.TempDir())

	sm, err := NewSessionManager(slog.Default(), "")
	if err != nil {
		t.Fatalf("NewSessionManager returned error: %v", err)
	}

	if _, err := os.Stat(sm.GetSessionDir()); err != nil {
		t.Fatalf("session directory not created: %v", err)
	}

	path := sm.GetDatasetPath(models.FormatPreference, models.SplitTrain)
	if filepath.Base(path) != "preference-train.jsonl" {
		t.Errorf("unexpected preference path: %s", path)
	}
	path = sm.GetDatasetPath(models.FormatSFT, models.SplitValidation)
	if filepath.Base(path) != "sft-validation.jsonl" {
		t.Errorf("unexpected sft path: %s", path)
	}
}

func TestSessionManagerReopenMissing(t *testing.T) {
	chdirTemp(t, t.TempDir())

	if _, err := NewSessionManager(slog.Default(), "session_2026-01-01T00-00-00"); err == nil {
		t.Fatal("expected error for missing session directory")
	}
}
