package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/pkg/models"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient("", 6000, slog.Default(), nil)
	client.SetBaseURL(server.URL)
	client.baseRetryDelay = time.Millisecond
	return client, server
}

func rowsPage(offset, total int, rows ...map[string]any) map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		out = append(out, map[string]any{"row_idx": offset + i, "row": row})
	}
	return map[string]any{"rows": out, "num_rows_total": total}
}

func TestDatasetRowsPagination(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("dataset"); got != "someuser/prefs" {
			t.Errorf("unexpected dataset param: %q", got)
		}
		if got := r.URL.Query().Get("split"); got != "train" {
			t.Errorf("unexpected split param: %q", got)
		}

		var page map[string]any
		switch r.URL.Query().Get("offset") {
		case "0":
			page = rowsPage(0, 3,
				map[string]any{"prompt": "p0", "chosen_response": "c0", "rejected_response": "r0"},
				map[string]any{"prompt": "p1", "chosen_response": "c1", "rejected_response": "r1"},
			)
		case "2":
			page = rowsPage(2, 3,
				map[string]any{"prompt": "p2", "chosen_response": "c2", "rejected_response": "r2"},
			)
		default:
			t.Errorf("unexpected offset: %q", r.URL.Query().Get("offset"))
			page = rowsPage(0, 3)
		}
		_ = json.NewEncoder(w).Encode(page)
	})

	client, _ := testClient(t, handler)
	ds := &Dataset{
		Client:   client,
		RepoID:   "someuser/prefs",
		Config:   "default",
		Columns:  format.DefaultColumns(),
		PageSize: 2,
	}

	examples, err := ds.Rows(context.Background(), models.SplitTrain)
	if err != nil {
		t.Fatalf("Rows returned error: %v", err)
	}
	if len(examples) != 3 {
		t.Fatalf("expected 3 examples, got %d", len(examples))
	}
	for i, ex := range examples {
		want := fmt.Sprintf("p%d", i)
		if ex.Prompt != want {
			t.Errorf("row %d out of order: got prompt %q, want %q", i, ex.Prompt, want)
		}
	}
}

func TestDatasetRowsMissingColumn(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := rowsPage(0, 1, map[string]any{"prompt": "p0", "chosen_response": "c0"})
		_ = json.NewEncoder(w).Encode(page)
	})

	client, _ := testClient(t, handler)
	ds := &Dataset{Client: client, RepoID: "u/d", Config: "default", Columns: format.DefaultColumns(), PageSize: 100}

	_, err := ds.Rows(context.Background(), models.SplitTrain)
	var fe *format.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *format.FormatError, got %T: %v", err, err)
	}
	if fe.Field != "rejected_response" {
		t.Fatalf("expected rejected_response field error, got %q", fe.Field)
	}
}

func TestFetchRowsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(rowsPage(0, 1,
			map[string]any{"prompt": "p", "chosen_response": "c", "rejected_response": "r"}))
	})

	client, _ := testClient(t, handler)
	ds := &Dataset{Client: client, RepoID: "u/d", Config: "default", Columns: format.DefaultColumns(), PageSize: 100}

	examples, err := ds.Rows(context.Background(), models.SplitTrain)
	if err != nil {
		t.Fatalf("Rows returned error: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("expected 1 example, got %d", len(examples))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 requests (1 retry), got %d", calls.Load())
	}
}

func TestFetchRowsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such dataset", http.StatusNotFound)
	})

	client, _ := testClient(t, handler)
	ds := &Dataset{Client: client, RepoID: "u/missing", Config: "default", Columns: format.DefaultColumns(), PageSize: 100}

	_, err := ds.Rows(context.Background(), models.SplitTrain)
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("expected *HubError, got %T: %v", err, err)
	}
	if hubErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", hubErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 request, got %d", calls.Load())
	}
}

func TestFileSourceRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	content := `{"prompt":"p0","chosen_response":"c0","rejected_response":"r0"}

{"prompt":"p1","chosen_response":"","rejected_response":"r1"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	src := &FileSource{
		Paths:   map[models.Split]string{models.SplitTrain: path},
		Columns: format.DefaultColumns(),
		Logger:  slog.Default(),
	}

	examples, err := src.Rows(context.Background(), models.SplitTrain)
	if err != nil {
		t.Fatalf("Rows returned error: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("expected 2 examples (blank line skipped), got %d", len(examples))
	}
	if examples[1].Chosen != "" {
		t.Fatalf("expected empty chosen to pass through, got %q", examples[1].Chosen)
	}
}

func TestFileSourceMissingSplit(t *testing.T) {
	src := &FileSource{Paths: map[models.Split]string{}, Columns: format.DefaultColumns(), Logger: slog.Default()}
	if _, err := src.Rows(context.Background(), models.SplitValidation); err == nil {
		t.Fatal("expected error for unconfigured split")
	}
}
