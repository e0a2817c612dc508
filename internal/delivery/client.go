// Package delivery sends parsed records to the log ingestion endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinytelemetry/ibforward/internal/codec"
	"github.com/tinytelemetry/ibforward/internal/logging"
	"github.com/tinytelemetry/ibforward/internal/metrics"
	"github.com/tinytelemetry/ibforward/internal/model"
)

// IngestPath is the path of the internal log ingestion resource.
const IngestPath = "/internal/logs/"

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffMax  = 10 * time.Second
	defaultTimeout     = 10 * time.Second
)

// FailureRecorder keeps records whose delivery failed for manual recovery.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, o model.Outcome) error
}

// ClientConfig holds delivery parameters.
type ClientConfig struct {
	// Endpoint is the base URL of the ingestion service, e.g.
	// http://infrabox-api.infrabox-system:8080.
	Endpoint    string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	// RequestsPerSecond limits outgoing requests; 0 disables the limit.
	RequestsPerSecond float64

	HTTPClient *http.Client
	Recorder   FailureRecorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client delivers records one POST at a time. Every record gets its own
// outcome; a failure never affects the remaining records of a chunk.
type Client struct {
	url         string
	http        *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter
	recorder    FailureRecorder
	metrics     *metrics.Metrics
	log         *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// message is the JSON body accepted by the ingestion endpoint.
type message struct {
	Time          int64  `json:"time"`
	JobID         string `json:"job_id"`
	ExtensionName string `json:"extension_name"`
	ContainerName string `json:"container_name"`
	PodName       string `json:"pod_name"`
	Log           string `json:"log"`
}

// NewClient creates a delivery client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: delivery endpoint is empty", model.ErrConfig)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative", model.ErrConfig)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	// Redirects count as success and must not be followed.
	redirectSafe := *hc
	redirectSafe.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		url:         cfg.Endpoint + IngestPath,
		http:        &redirectSafe,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		limiter:     limiter,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		log:         logging.Component(cfg.Logger, "delivery"),
		sleep:       sleepContext,
	}, nil
}

// URL returns the ingestion URL records are posted to.
func (c *Client) URL() string {
	return c.url
}

// Deliver posts every record of chunk and reports each record's outcome.
func (c *Client) Deliver(ctx context.Context, chunk *model.Chunk) model.Result {
	res := model.Result{
		Seq:      chunk.Seq,
		Outcomes: make([]model.Outcome, 0, len(chunk.Records)),
	}
	for _, rec := range chunk.Records {
		if err := ctx.Err(); err != nil {
			res.Outcomes = append(res.Outcomes, model.Outcome{Record: rec, Status: model.Failed, Reason: err.Error()})
			continue
		}
		res.Outcomes = append(res.Outcomes, c.deliverRecord(ctx, rec))
	}
	return res
}

// DeliverBytes decodes an encoded chunk and delivers its records. Records
// before a truncation point are still delivered; the truncation is returned
// as an error alongside the result. Any other decode error discards the
// chunk without delivering anything.
func (c *Client) DeliverBytes(ctx context.Context, data []byte) (model.Result, error) {
	chunk, err := codec.DecodeChunk(data)
	if err != nil && !errors.Is(err, model.ErrTruncated) {
		return model.Result{}, err
	}
	res := c.Deliver(ctx, chunk)
	return res, err
}

func (c *Client) deliverRecord(ctx context.Context, rec model.ParsedRecord) model.Outcome {
	out := model.Outcome{Record: rec}

	body, err := json.Marshal(message{
		Time:          rec.Time.Unix(),
		JobID:         rec.JobID,
		ExtensionName: rec.ExtensionName,
		ContainerName: rec.ContainerName,
		PodName:       rec.PodName,
		Log:           rec.Log,
	})
	if err != nil {
		out.Status = model.Failed
		out.Reason = fmt.Sprintf("marshal: %v", err)
		c.fail(ctx, out)
		return out
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.Retried()
			c.log.Warn("delivery: retrying record",
				"job_id", rec.JobID, "extension_name", rec.ExtensionName,
				"attempt", attempt, "error", lastErr)
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		out.Attempts++

		retryable, err := c.post(ctx, body)
		if err == nil {
			out.Status = model.Delivered
			c.metrics.Delivered(model.Delivered.String())
			return out
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}

	out.Status = model.Failed
	out.Reason = lastErr.Error()
	if ctx.Err() != nil {
		// Cut short by shutdown; the chunk stays in the spool.
		c.log.Debug("delivery: record aborted", "job_id", rec.JobID, "attempts", out.Attempts, "error", lastErr)
		return out
	}
	c.fail(ctx, out)
	return out
}

func (c *Client) fail(ctx context.Context, out model.Outcome) {
	c.metrics.Delivered(model.Failed.String())
	rec := out.Record
	c.log.Error("delivery: record failed",
		"job_id", rec.JobID,
		"extension_name", rec.ExtensionName,
		"pod_name", rec.PodName,
		"container_name", rec.ContainerName,
		"time", rec.Time.Unix(),
		"attempts", out.Attempts,
		"reason", out.Reason)

	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordFailure(ctx, out); err != nil {
		c.log.Error("delivery: dead-letter write failed", "job_id", rec.JobID, "error", err)
		return
	}
	c.metrics.DeadLettered()
}

// post sends one request. It reports whether a failure is worth retrying.
func (c *Client) post(ctx context.Context, body []byte) (bool, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", model.ErrDelivery, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: create request: %v", model.ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.Request(time.Since(start))
	if err != nil {
		return true, fmt.Errorf("%w: %v", model.ErrDelivery, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return false, nil
	}
	return retryableStatus(resp.StatusCode), fmt.Errorf("%w: status %d", model.ErrDelivery, resp.StatusCode)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// backoff returns base*2^n capped at the configured maximum.
func (c *Client) backoff(n int) time.Duration {
	d := c.backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.backoffMax {
			return c.backoffMax
		}
	}
	return min(d, c.backoffMax)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
