package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preftune_rows_fetched_total",
			Help: "Total number of raw dataset rows fetched by split",
		},
		[]string{"split"},
	)

	recordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preftune_records_written_total",
			Help: "Total number of formatted records written by format and split",
		},
		[]string{"format", "split"},
	)

	recordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preftune_records_skipped_total",
			Help: "Total number of records skipped due to per-record format failures",
		},
		[]string{"split"},
	)

	hubRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preftune_hub_request_duration_seconds",
			Help:    "Dataset hub request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"status"},
	)

	finetuneRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "preftune_finetune_request_duration_seconds",
			Help:    "Fine-tuning API request duration in seconds by operation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
		[]string{"operation", "status"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordRowsFetched counts raw rows fetched for a split
func (c *Collector) RecordRowsFetched(split string, n int) {
	if c == nil {
		return
	}
	rowsFetched.WithLabelValues(split).Add(float64(n))
}

// RecordWritten counts a formatted record written to a sink
func (c *Collector) RecordWritten(format, split string) {
	if c == nil {
		return
	}
	recordsWritten.WithLabelValues(format, split).Inc()
}

// RecordSkipped counts a record dropped by a per-record format failure
func (c *Collector) RecordSkipped(split string) {
	if c == nil {
		return
	}
	recordsSkipped.WithLabelValues(split).Inc()
}

// RecordHubRequest records a datasets-server request duration
func (c *Collector) RecordHubRequest(duration time.Duration, success bool) {
	if c == nil {
		return
	}
	hubRequestDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

// RecordFinetuneRequest records a fine-tuning API request duration
func (c *Collector) RecordFinetuneRequest(operation string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	finetuneRequestDuration.WithLabelValues(operation, statusLabel(success)).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
