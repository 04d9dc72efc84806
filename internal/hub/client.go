package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmallek/preftune/internal/format"
	"github.com/jmallek/preftune/internal/metrics"
	"github.com/jmallek/preftune/pkg/models"
)

const (
	// DefaultBaseURL is the public datasets-server endpoint
	DefaultBaseURL = "https://datasets-server.huggingface.co"
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 60 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
)

// Client fetches dataset rows from the Hugging Face datasets-server
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	collector      *metrics.Collector
	maxRetries     int
	baseRetryDelay time.Duration
}

// NewClient creates a datasets-server client. An empty token is allowed for
// public datasets. requestsPerMinute bounds the request rate.
func NewClient(token string, requestsPerMinute int, logger *slog.Logger, collector *metrics.Collector) *Client {
	rps := float64(requestsPerMinute) / 60.0
	burst := max(1, requestsPerMinute/5)

	return &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		logger:         logger.With("component", "hub_client"),
		collector:      collector,
		maxRetries:     DefaultMaxRetries,
		baseRetryDelay: DefaultBaseRetryDelay,
	}
}

// SetBaseURL overrides the datasets-server endpoint (used in tests)
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// rowsResponse mirrors the datasets-server /rows payload
type rowsResponse struct {
	Rows []struct {
		RowIdx int                        `json:"row_idx"`
		Row    map[string]json.RawMessage `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

// HubError represents an error returned by the datasets-server
type HubError struct {
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *HubError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("hub error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub error: %s", e.Message)
}

// Dataset binds a client to one dataset repo so it can serve as a row source
type Dataset struct {
	Client   *Client
	RepoID   string
	Config   string
	Columns  format.Columns
	PageSize int
}

// Rows fetches all rows of one split in source order, mapping the configured
// columns onto RawExamples. A row missing a required column fails the split.
func (d *Dataset) Rows(ctx context.Context, split models.Split) ([]models.RawExample, error) {
	var examples []models.RawExample
	offset := 0
	total := -1

	for total < 0 || offset < total {
		page, err := d.Client.fetchRows(ctx, d.RepoID, d.Config, split, offset, d.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch rows for split %s at offset %d: %w", split, offset, err)
		}

		total = page.NumRowsTotal
		if len(page.Rows) == 0 {
			break
		}

		for _, row := range page.Rows {
			ex, err := format.ParseRaw(row.Row, d.Columns, row.RowIdx)
			if err != nil {
				return nil, err
			}
			examples = append(examples, ex)
		}
		d.Client.collector.RecordRowsFetched(string(split), len(page.Rows))

		offset += len(page.Rows)
	}

	d.Client.logger.Info("Fetched split rows",
		"dataset", d.RepoID,
		"split", split,
		"rows", len(examples))

	return examples, nil
}

// fetchRows requests a single page of rows with retry and backoff, the same
// policy used for other remote collaborators: retry 429s and server errors,
// fail fast on anything else.
func (c *Client) fetchRows(ctx context.Context, repoID, configName string, split models.Split, offset, length int) (*rowsResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay
			c.logger.Warn("Retrying hub request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff", backoff,
				"split", split,
				"offset", offset)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.doRowsRequest(ctx, repoID, configName, split, offset, length)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if hubErr, ok := err.(*HubError); !ok || !hubErr.Retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRowsRequest(ctx context.Context, repoID, configName string, split models.Split, offset, length int) (*rowsResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	query := url.Values{}
	query.Set("dataset", repoID)
	query.Set("config", configName)
	query.Set("split", string(split))
	query.Set("offset", fmt.Sprintf("%d", offset))
	query.Set("length", fmt.Sprintf("%d", length))
	endpoint := fmt.Sprintf("%s/rows?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.collector.RecordHubRequest(time.Since(start), false)
		return nil, &HubError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.collector.RecordHubRequest(time.Since(start), false)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		c.collector.RecordHubRequest(time.Since(start), false)
		return nil, &HubError{
			Message:    string(body),
			StatusCode: httpResp.StatusCode,
			Retryable:  isStatusCodeRetryable(httpResp.StatusCode),
		}
	}
	c.collector.RecordHubRequest(time.Since(start), true)

	var resp rowsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse rows response: %w", err)
	}

	return &resp, nil
}

func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}
