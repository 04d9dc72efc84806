package finetune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jmallek/preftune/internal/metrics"
)

const (
	// DefaultBaseURL is the fine-tuning service endpoint
	DefaultBaseURL = "https://api.openai.com/v1"
	// UploadTimeout is the timeout for file uploads
	UploadTimeout = 600 * time.Second
	// MaxUploadRetries is the maximum number of retries for failed uploads
	MaxUploadRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// FilePurpose is the purpose flag required for training files
	FilePurpose = "fine-tune"
)

// Client talks to an OpenAI-style fine-tuning service: file uploads, job
// creation, job status, and checkpoint listing. Job submission is never
// retried; a rejected job is the caller's problem to resolve.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	uploadClient   *http.Client
	logger         *slog.Logger
	collector      *metrics.Collector
	baseRetryDelay time.Duration
}

// NewClient creates a fine-tuning service client
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger, collector *metrics.Collector) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		uploadClient: &http.Client{
			Timeout: UploadTimeout,
		},
		logger:         logger.With("component", "finetune_client"),
		collector:      collector,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// UploadFile uploads a local JSONL file with purpose=fine-tune and returns
// the service's file record. Retries transient failures with backoff.
func (c *Client) UploadFile(ctx context.Context, path string) (*File, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxUploadRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			c.logger.Warn("Retrying file upload",
				"attempt", attempt,
				"max_retries", MaxUploadRetries,
				"backoff", backoff,
				"file", filepath.Base(path))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		file, err := c.doUpload(ctx, path)
		if err == nil {
			return file, nil
		}

		lastErr = err
		if apiErr, ok := err.(*APIError); !ok || !apiErr.Retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doUpload(ctx context.Context, path string) (*File, error) {
	source, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() { _ = source.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("purpose", FilePurpose); err != nil {
		return nil, fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, source); err != nil {
		return nil, fmt.Errorf("failed to read upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.uploadClient.Do(req)
	if err != nil {
		c.collector.RecordFinetuneRequest("upload", time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}

	var file File
	if err := c.decodeResponse(resp, "upload", start, &file); err != nil {
		return nil, err
	}

	c.logger.Info("Uploaded training file",
		"file", filepath.Base(path),
		"file_id", file.ID,
		"bytes", file.Bytes)

	return &file, nil
}

// CreateJob submits a fine-tuning job. Not retried: duplicate submissions
// would start duplicate (billable) training runs.
func (c *Client) CreateJob(ctx context.Context, jobReq JobRequest) (*Job, error) {
	payload, err := json.Marshal(jobReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fine_tuning/jobs", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.collector.RecordFinetuneRequest("create_job", time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err)}
	}

	var job Job
	if err := c.decodeResponse(resp, "create_job", start, &job); err != nil {
		return nil, err
	}

	c.logger.Info("Created fine-tuning job",
		"job_id", job.ID,
		"model", job.Model,
		"status", job.Status)

	return &job, nil
}

// GetJob fetches the current state of a job
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fine_tuning/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.collector.RecordFinetuneRequest("get_job", time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err)}
	}

	var job Job
	if err := c.decodeResponse(resp, "get_job", start, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListCheckpoints returns the checkpoints produced by a job
func (c *Client) ListCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error) {
	endpoint := c.baseURL + "/fine_tuning/jobs/" + jobID + "/checkpoints"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.collector.RecordFinetuneRequest("list_checkpoints", time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err)}
	}

	var list struct {
		Data []Checkpoint `json:"data"`
	}
	if err := c.decodeResponse(resp, "list_checkpoints", start, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// decodeResponse reads, checks, and unmarshals a service response into out
func (c *Client) decodeResponse(resp *http.Response, operation string, start time.Time, out any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.collector.RecordFinetuneRequest(operation, time.Since(start), false)
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.collector.RecordFinetuneRequest(operation, time.Since(start), false)

		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return &APIError{
				Message:    errResp.Error.Message,
				StatusCode: resp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  isStatusCodeRetryable(resp.StatusCode),
			}
		}
		return &APIError{
			Message:    string(body),
			StatusCode: resp.StatusCode,
			Retryable:  isStatusCodeRetryable(resp.StatusCode),
		}
	}
	c.collector.RecordFinetuneRequest(operation, time.Since(start), true)

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
