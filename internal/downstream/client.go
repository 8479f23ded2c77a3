package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cty-ut/real-time-translation/internal/relayerr"
)

const (
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultHealthTimeout = 5 * time.Second
	defaultUserAgent     = "real-time-translation-relay/1.0"
)

// Config contains downstream client configuration
type Config struct {
	MaxRetries    int           // total attempts per call
	BaseDelay     time.Duration // wait before the second attempt, doubled for each further one
	HealthTimeout time.Duration
	UserAgent     string
}

// Request describes one downstream call. Body is replayed on every attempt.
type Request struct {
	Service string // label for logs and metrics, e.g. "whisper"
	Method  string
	URL     string
	Body    []byte
	Header  http.Header
	Timeout time.Duration // per attempt
}

// Response is a fully read downstream response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Recorder receives downstream call metrics
type Recorder interface {
	RecordDownstreamRequest(service string)
	RecordDownstreamRetry(service string)
	RecordDownstreamResult(service string, success bool, durationSeconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordDownstreamRequest(string)                {}
func (nopRecorder) RecordDownstreamRetry(string)                  {}
func (nopRecorder) RecordDownstreamResult(string, bool, float64) {}

// Client invokes downstream services with retry and backoff
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder

	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewClient creates a downstream client. A nil recorder disables metrics.
func NewClient(config Config, logger *slog.Logger, recorder Recorder) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = defaultHealthTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger,
		recorder: recorder,
		sleep:    sleepContext,
	}
}

// Backoff returns the wait before the given attempt (attempt 2 waits BaseDelay)
func (c *Client) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return c.config.BaseDelay * time.Duration(1<<(attempt-2))
}

// Invoke performs req, retrying transport failures up to MaxRetries attempts in total.
// Every HTTP response is returned as is, whatever its status; interpreting it is the
// caller's job. After the last failed attempt the last error is returned wrapped as a
// transport failure.
func (c *Client) Invoke(ctx context.Context, req *Request) (*Response, error) {
	c.incrementTotalRequests()
	c.recorder.RecordDownstreamRequest(req.Service)
	startTime := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := c.Backoff(attempt)
			c.incrementTotalRetries()
			c.recorder.RecordDownstreamRetry(req.Service)
			c.logger.Info("Retrying downstream request",
				slog.String("service", req.Service),
				slog.String("endpoint", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		c.logger.Debug("Attempting downstream request",
			slog.String("service", req.Service),
			slog.String("endpoint", req.URL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.MaxRetries),
		)

		resp, err := c.doRequest(ctx, req)
		if err == nil {
			c.incrementSuccessRequests()
			c.recorder.RecordDownstreamResult(req.Service, true, time.Since(startTime).Seconds())
			return resp, nil
		}

		lastErr = err
		c.logger.Warn("Downstream request attempt failed",
			slog.String("service", req.Service),
			slog.String("endpoint", req.URL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			break
		}
	}

	c.incrementFailedRequests()
	c.recorder.RecordDownstreamResult(req.Service, false, time.Since(startTime).Seconds())
	c.logger.Error("All downstream attempts failed",
		slog.String("service", req.Service),
		slog.String("endpoint", req.URL),
		slog.Int("max_attempts", c.config.MaxRetries),
	)
	return nil, relayerr.Transport(fmt.Sprintf("%s %s", req.Method, req.URL), lastErr)
}

// doRequest performs a single attempt
func (c *Client) doRequest(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// HealthStatus is the normalized result of a health probe
type HealthStatus struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	URL      string          `json:"url"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Healthy reports whether the probe succeeded
func (h HealthStatus) Healthy() bool {
	return h.Status == StatusHealthy
}

// CheckHealth probes GET {baseURL}/health once. It never returns an error:
// failures are reported in the status record.
func (c *Client) CheckHealth(ctx context.Context, name, baseURL string) HealthStatus {
	status := HealthStatus{Name: name, URL: baseURL}

	resp, err := c.doRequest(ctx, &Request{
		Service: name,
		Method:  http.MethodGet,
		URL:     strings.TrimRight(baseURL, "/") + "/health",
		Timeout: c.config.HealthTimeout,
	})
	if err != nil {
		status.Status = StatusUnhealthy
		status.Error = err.Error()
		return status
	}

	if !resp.OK() {
		status.Status = StatusUnhealthy
		status.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Status = StatusHealthy
	if json.Valid(resp.Body) {
		status.Response = json.RawMessage(resp.Body)
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// Stats returns current client statistics
func (c *Client) Stats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}
