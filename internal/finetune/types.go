package finetune

import "fmt"

// File represents an uploaded training file as reported by the service
type File struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Bytes    int64  `json:"bytes"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
	Status   string `json:"status"`
}

// Hyperparameters are the tunables shared by both training methods.
// "auto" resolution is left to the service; zero values are omitted.
type Hyperparameters struct {
	NEpochs                int     `json:"n_epochs,omitempty"`
	NCheckpoints           int     `json:"n_checkpoints,omitempty"`
	LearningRateMultiplier float64 `json:"learning_rate_multiplier,omitempty"`
}

// DPOHyperparameters extends the shared tunables with beta, the
// conservativeness of the preference update.
type DPOHyperparameters struct {
	Beta                   float64 `json:"beta,omitempty"`
	NEpochs                int     `json:"n_epochs,omitempty"`
	NCheckpoints           int     `json:"n_checkpoints,omitempty"`
	LearningRateMultiplier float64 `json:"learning_rate_multiplier,omitempty"`
}

// MethodDPO configures a direct-preference-optimization run
type MethodDPO struct {
	Hyperparameters DPOHyperparameters `json:"hyperparameters"`
}

// MethodSupervised configures a supervised fine-tuning run
type MethodSupervised struct {
	Hyperparameters Hyperparameters `json:"hyperparameters"`
}

// Method selects the training method for a job
type Method struct {
	Type       string            `json:"type"` // "dpo" or "supervised"
	DPO        *MethodDPO        `json:"dpo,omitempty"`
	Supervised *MethodSupervised `json:"supervised,omitempty"`
}

// JobRequest is the payload for creating a fine-tuning job
type JobRequest struct {
	Model          string  `json:"model"`
	TrainingFile   string  `json:"training_file"`
	ValidationFile string  `json:"validation_file,omitempty"`
	Method         *Method `json:"method,omitempty"`
	Suffix         string  `json:"suffix,omitempty"`
	Seed           *int    `json:"seed,omitempty"`
}

// Job represents a fine-tuning job as reported by the service
type Job struct {
	ID             string    `json:"id"`
	Object         string    `json:"object"`
	Model          string    `json:"model"`
	CreatedAt      int64     `json:"created_at"`
	FinishedAt     int64     `json:"finished_at"`
	Status         string    `json:"status"`
	FineTunedModel string    `json:"fine_tuned_model"`
	TrainingFile   string    `json:"training_file"`
	ValidationFile string    `json:"validation_file"`
	TrainedTokens  int64     `json:"trained_tokens"`
	Error          *JobError `json:"error,omitempty"`
}

// JobError carries the failure detail of an errored job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// Checkpoint is an intermediate model snapshot produced during a job
type Checkpoint struct {
	ID                       string `json:"id"`
	CreatedAt                int64  `json:"created_at"`
	FineTunedModelCheckpoint string `json:"fine_tuned_model_checkpoint"`
	StepNumber               int    `json:"step_number"`
	FineTuningJobID          string `json:"fine_tuning_job_id"`
}

// JobStatus values reported by the service
const (
	StatusQueued          = "queued"
	StatusValidatingFiles = "validating_files"
	StatusRunning         = "running"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// APIError represents an error returned by the fine-tuning service
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fine-tuning API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("fine-tuning API error: %s", e.Message)
}

// errorResponse mirrors the service's error envelope
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
