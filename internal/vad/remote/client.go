package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/vad-service/internal/audio"
	"github.com/skypro1111/vad-service/internal/vad"
)

// ErrClosed is returned by Score after Close.
var ErrClosed = errors.New("remote scorer closed")

// Client is a vad.Scorer that posts audio chunks to a remote model.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	sessions map[string]struct{} // ids the remote side has seen
	mu       sync.RWMutex
}

// Config contains remote scorer configuration.
type Config struct {
	Endpoint      string
	ResetPath     string // appended to Endpoint for session resets
	APIKey        string
	SampleRate    int
	Timeout       time.Duration // per attempt
	MaxRetries    int
	MaxConcurrent int
	Backoff       time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration
}

// ScoreRequest is the JSON body posted for each chunk.
type ScoreRequest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	AudioData  string `json:"audio_data"` // base64 16-bit little-endian PCM
}

// ScoreResponse is the JSON body the model server answers with.
type ScoreResponse struct {
	Probability *float64 `json:"probability"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError is a non-2xx answer from the model server.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a remote scorer client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(config.Endpoint, "http://") && !strings.HasPrefix(config.Endpoint, "https://") {
		return nil, fmt.Errorf("endpoint must be an http(s) URL, got %q", config.Endpoint)
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.ResetPath == "" {
		config.ResetPath = "/reset"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.Backoff <= 0 {
		config.Backoff = 50 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]struct{}),
	}, nil
}

// Name returns "remote".
func (c *Client) Name() string { return "remote" }

// Score implements vad.Scorer. It is bounded by the client's lifetime; use
// ScoreContext to bound a single call.
func (c *Client) Score(sessionID string, samples []int16) (float64, error) {
	return c.ScoreContext(c.ctx, sessionID, samples)
}

// ScoreContext sends one chunk to the model server, retrying retryable
// failures with exponential backoff.
func (c *Client) ScoreContext(ctx context.Context, sessionID string, samples []int16) (float64, error) {
	if c.ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %w", vad.ErrBackendFailure, ErrClosed)
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", vad.ErrBackendFailure, ctx.Err())
	}

	body, err := json.Marshal(ScoreRequest{
		SessionID:  sessionID,
		SampleRate: c.config.SampleRate,
		AudioData:  base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	c.trackSession(sessionID)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return 0, fmt.Errorf("%w: %w", vad.ErrBackendFailure, ctx.Err())
			}
		}

		p, err := c.doRequest(ctx, body)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return p, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
		c.logger.Debug("Remote VAD request failed, retrying",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	c.incrementFailedRequests()
	return 0, fmt.Errorf("%w: remote scoring failed after %d attempts: %w", vad.ErrBackendFailure, c.config.MaxRetries+1, lastErr)
}

// backoff returns the delay before the given retry attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.Backoff << (attempt - 1)
	if d <= 0 || d > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return d
}

// doRequest performs a single HTTP request to the model server.
func (c *Client) doRequest(ctx context.Context, body []byte) (float64, error) {
	respBody, err := c.post(ctx, c.config.Endpoint, body)
	if err != nil {
		return 0, err
	}

	var resp ScoreResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if resp.Probability == nil {
		return 0, fmt.Errorf("response has no probability field")
	}
	return *resp.Probability, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "VAD-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

// isRetryableError reports whether a failed attempt may succeed on retry:
// server errors, rate limiting, timeouts and connection failures.
func isRetryableError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ResetSession asks the model server to drop its state for sessionID.
// Failures are logged; the local engine state is reset regardless.
func (c *Client) ResetSession(sessionID string) {
	c.mu.Lock()
	_, known := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	if known {
		c.postReset(sessionID)
	}
}

// ResetAll resets every session the model server has seen from this client.
func (c *Client) ResetAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.sessions = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		c.postReset(id)
	}
}

func (c *Client) postReset(sessionID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.Timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	if _, err := c.post(ctx, strings.TrimRight(c.config.Endpoint, "/")+c.config.ResetPath, body); err != nil {
		c.logger.Warn("Remote VAD reset failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) trackSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
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

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
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
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close cancels pending retries and waits for in-flight requests to finish.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		for i := 0; i < c.config.MaxConcurrent; i++ {
			c.semaphore <- struct{}{}
		}
		c.httpClient.CloseIdleConnections()
	})
	return nil
}
