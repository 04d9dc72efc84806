package runstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jmallek/preftune/pkg/models"
)

// StateFilename is the run state file inside a session directory
const StateFilename = "run.json"

// FileRef records an uploaded dataset file and the service ID it got back
type FileRef struct {
	ID         string               `json:"id"`
	Path       string               `json:"path"`
	Format     models.DatasetFormat `json:"format"`
	Split      models.Split         `json:"split"`
	Bytes      int64                `json:"bytes"`
	UploadedAt time.Time            `json:"uploaded_at"`
}

// JobRef records a submitted fine-tuning job
type JobRef struct {
	ID             string    `json:"id"`
	Method         string    `json:"method"` // "dpo" or "supervised"
	Status         string    `json:"status"`
	Model          string    `json:"model"`
	FineTunedModel string    `json:"fine_tuned_model,omitempty"`
	TrainingFile   string    `json:"training_file"`
	ValidationFile string    `json:"validation_file,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// State is everything later invocations need to pick up a run: which files
// were uploaded and which jobs were submitted against them.
type State struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Files     []FileRef `json:"files"`
	Jobs      []JobRef  `json:"jobs"`
}

// Manager persists run state in a session directory
type Manager struct {
	dir    string
	state  *State
	logger *slog.Logger
}

// NewManager creates a fresh run state for a session directory
func NewManager(sessionDir string, logger *slog.Logger) *Manager {
	now := time.Now()
	return &Manager{
		dir: sessionDir,
		state: &State{
			RunID:     uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		logger: logger,
	}
}

// Load reads an existing run state from a session directory
func Load(sessionDir string, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, StateFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	if state.RunID == "" {
		return nil, fmt.Errorf("run state is missing run_id")
	}

	return &Manager{dir: sessionDir, state: &state, logger: logger}, nil
}

// LoadOrCreate reads existing run state or starts a fresh one
func LoadOrCreate(sessionDir string, logger *slog.Logger) (*Manager, error) {
	if _, err := os.Stat(filepath.Join(sessionDir, StateFilename)); os.IsNotExist(err) {
		return NewManager(sessionDir, logger), nil
	}
	return Load(sessionDir, logger)
}

// State returns the current state snapshot
func (m *Manager) State() *State {
	return m.state
}

// Save writes the run state atomically (write temp, then rename)
func (m *Manager) Save() error {
	m.state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	path := filepath.Join(m.dir, StateFilename)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace run state: %w", err)
	}

	m.logger.Debug("Saved run state", "path", path, "files", len(m.state.Files), "jobs", len(m.state.Jobs))
	return nil
}

// AddFile records an uploaded file, replacing any earlier upload of the same
// (format, split) pair.
func (m *Manager) AddFile(ref FileRef) {
	for i, existing := range m.state.Files {
		if existing.Format == ref.Format && existing.Split == ref.Split {
			m.state.Files[i] = ref
			return
		}
	}
	m.state.Files = append(m.state.Files, ref)
}

// FileID returns the uploaded file ID for a (format, split) pair
func (m *Manager) FileID(format models.DatasetFormat, split models.Split) (string, bool) {
	for _, ref := range m.state.Files {
		if ref.Format == format && ref.Split == split {
			return ref.ID, true
		}
	}
	return "", false
}

// AddJob records a submitted job
func (m *Manager) AddJob(ref JobRef) {
	m.state.Jobs = append(m.state.Jobs, ref)
}

// UpdateJob refreshes the stored status of a job
func (m *Manager) UpdateJob(jobID, status, fineTunedModel string) bool {
	for i := range m.state.Jobs {
		if m.state.Jobs[i].ID == jobID {
			m.state.Jobs[i].Status = status
			if fineTunedModel != "" {
				m.state.Jobs[i].FineTunedModel = fineTunedModel
			}
			return true
		}
	}
	return false
}

// JobByMethod returns the most recently submitted job for a training method
func (m *Manager) JobByMethod(method string) (*JobRef, bool) {
	for i := len(m.state.Jobs) - 1; i >= 0; i-- {
		if m.state.Jobs[i].Method == method {
			return &m.state.Jobs[i], true
		}
	}
	return nil, false
}
