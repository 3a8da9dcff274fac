package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tkivela/collabsync-go/internal/errors"
	"github.com/tkivela/collabsync-go/internal/logging"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("platform")
}

// Config holds the connection settings for the remote platform API.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns conservative connection defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.collabplatform.example/v2",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// Client is the HTTP implementation of the platform API. All calls pass
// through a token-bucket limiter, and 429 responses feed the shared
// rate-limit state the engines consult between batches.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter

	mu              sync.RWMutex
	retryAfterUntil time.Time

	// Running counters, exposed via GetMetrics.
	metrics struct {
		mu            sync.RWMutex
		apiCalls      int64
		apiErrors     int64
		rateLimitHits int64
		totalDuration time.Duration
	}
}

// NewClient creates a platform API client. The token is required.
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, errors.Newf("platform API token is required").
			Category(errors.CategoryConfiguration).
			Component("platform").
			Build()
	}

	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Burst == 0 {
		config.Burst = defaults.Burst
	}

	client := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
	}

	logger.Info("platform client initialized",
		"base_url", config.BaseURL,
		"requests_per_second", config.RequestsPerSecond,
		"burst", config.Burst,
		"token_configured", config.Token != "")

	return client, nil
}

// ListItems returns one page of a collection. Listing uses the platform's
// filter endpoint so date bounds are applied server side.
func (c *Client) ListItems(ctx context.Context, req ListRequest) (*ListResponse, error) {
	if req.CollectionID == "" {
		return nil, errors.Newf("collection id is required").
			Category(errors.CategoryValidation).
			Component("platform").
			Build()
	}
	if req.Limit <= 0 {
		return nil, errors.Newf("list limit must be positive, got %d", req.Limit).
			Category(errors.CategoryValidation).
			Context("limit", req.Limit).
			Component("platform").
			Build()
	}

	body := map[string]any{
		"offset": req.Offset,
		"limit":  req.Limit,
	}
	if req.Filter != nil {
		body["filter"] = req.Filter
	}

	url := fmt.Sprintf("%s/collections/%s/items/filter", c.config.BaseURL, req.CollectionID)
	var out ListResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, url, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateItem writes a new record into the collection.
func (c *Client) CreateItem(ctx context.Context, collectionID string, fields map[string]any) (*Item, error) {
	if collectionID == "" {
		return nil, errors.Newf("collection id is required").
			Category(errors.CategoryValidation).
			Component("platform").
			Build()
	}

	url := fmt.Sprintf("%s/collections/%s/items", c.config.BaseURL, collectionID)
	var out Item
	if err := c.doRequestWithRetry(ctx, http.MethodPost, url, map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateItem overwrites the given fields of an existing record.
func (c *Client) UpdateItem(ctx context.Context, itemID string, fields map[string]any) (*Item, error) {
	if itemID == "" {
		return nil, errors.Newf("item id is required").
			Category(errors.CategoryValidation).
			Component("platform").
			Build()
	}

	url := fmt.Sprintf("%s/items/%s", c.config.BaseURL, itemID)
	var out Item
	if err := c.doRequestWithRetry(ctx, http.MethodPut, url, map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteItem removes a record.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	if itemID == "" {
		return errors.Newf("item id is required").
			Category(errors.CategoryValidation).
			Component("platform").
			Build()
	}

	url := fmt.Sprintf("%s/items/%s", c.config.BaseURL, itemID)
	return c.doRequestWithRetry(ctx, http.MethodDelete, url, nil, nil)
}

// PauseBefore reports how long callers should wait before issuing the next
// call, derived from the most recent Retry-After the platform sent.
func (c *Client) PauseBefore() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if remaining := time.Until(c.retryAfterUntil); remaining > 0 {
		return remaining, true
	}
	return 0, false
}

// doRequest performs one rate-limited HTTP request and maps failures to
// categorized errors.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.New(err).
			Category(errors.CategoryCancellation).
			Context("method", method).
			Context("url", url).
			Component("platform").
			Build()
	}

	start := time.Now()

	c.metrics.mu.Lock()
	c.metrics.apiCalls++
	c.metrics.mu.Unlock()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		c.countError()
		return errors.Newf("failed to create HTTP request: %w", err).
			Category(errors.CategoryNetwork).
			Context("method", method).
			Context("url", url).
			Component("platform").
			Build()
	}

	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countError()
		logger.Error("platform API request failed",
			"error", err,
			"method", method,
			"url", url)
		return errors.Newf("HTTP request failed: %w", err).
			Category(errors.CategoryNetwork).
			Context("method", method).
			Context("url", url).
			Component("platform").
			Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		c.countError()
		return errors.Newf("failed to read response body: %w", err).
			Category(errors.CategoryNetwork).
			Context("url", url).
			Context("status_code", resp.StatusCode).
			Component("platform").
			Build()
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.recordRateLimit(resp)
	}

	if resp.StatusCode >= 400 {
		c.countError()
		return c.errorFromResponse(method, url, resp.StatusCode, respBytes)
	}

	if result != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, result); err != nil {
			preview := string(respBytes)
			if len(preview) > 500 {
				preview = preview[:500] + "..."
			}
			logger.Error("failed to parse platform API response",
				"error", err,
				"url", url,
				"response_preview", preview)
			return errors.Newf("failed to parse response: %w", err).
				Category(errors.CategoryFileParsing).
				Context("url", url).
				Context("response_size", len(respBytes)).
				Component("platform").
				Build()
		}
	}

	duration := time.Since(start)
	c.metrics.mu.Lock()
	c.metrics.totalDuration += duration
	c.metrics.mu.Unlock()

	logger.Debug("platform API request",
		"method", method,
		"url", url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return nil
}

// doRequestWithRetry wraps doRequest with retries for transient failures.
// Request bodies are marshalled once so every attempt sends identical bytes.
func (c *Client) doRequestWithRetry(ctx context.Context, method, url string, body any, result any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Newf("failed to encode request body: %w", err).
				Category(errors.CategoryValidation).
				Context("method", method).
				Context("url", url).
				Component("platform").
				Build()
		}
	}

	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.doRequest(ctx, method, url, bodyBytes, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(attempt+1) * 500 * time.Millisecond
		if wait, ok := c.PauseBefore(); ok && wait > delay {
			delay = wait
		}
		logger.Warn("platform API request failed, retrying",
			"attempt", attempt+1,
			"max_retries", maxRetries,
			"delay_ms", delay.Milliseconds(),
			"url", url,
			"error", err.Error())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// isRetryable reports whether another attempt can succeed. Only transport
// failures and rate limiting qualify; validation, permission and conflict
// responses will fail identically on every attempt.
func isRetryable(err error) bool {
	var enhanced *errors.EnhancedError
	if !errors.As(err, &enhanced) {
		return false
	}
	switch enhanced.Category {
	case errors.CategoryNetwork, errors.CategoryRateLimit, errors.CategoryTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) countError() {
	c.metrics.mu.Lock()
	c.metrics.apiErrors++
	c.metrics.mu.Unlock()
}

// recordRateLimit parses the Retry-After header of a 429 and remembers the
// earliest moment the next call may be issued.
func (c *Client) recordRateLimit(resp *http.Response) {
	delay := 10 * time.Second
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			delay = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			if until := time.Until(at); until > 0 {
				delay = until
			}
		}
	}

	c.mu.Lock()
	c.retryAfterUntil = time.Now().Add(delay)
	c.mu.Unlock()

	c.metrics.mu.Lock()
	c.metrics.rateLimitHits++
	c.metrics.mu.Unlock()

	logger.Warn("platform API rate limit hit",
		"retry_after", delay.String())
}

// errorFromResponse maps an HTTP error response to a categorized error,
// trying the platform's structured error body first.
func (c *Client) errorFromResponse(method, url string, statusCode int, body []byte) error {
	var apiErr struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	detail := string(body)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Description != "" {
		detail = apiErr.Description
	}
	if len(detail) > 500 {
		detail = detail[:500] + "..."
	}

	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		logger.Error("platform API authorization failed",
			"status_code", statusCode,
			"url", url,
			"detail", detail)
	} else {
		logger.Warn("platform API error response",
			"status_code", statusCode,
			"method", method,
			"url", url,
			"detail", detail)
	}

	return errors.Newf("platform API error (status %d): %s", statusCode, detail).
		Category(statusCategory(statusCode)).
		Context("status_code", statusCode).
		Context("method", method).
		Context("url", url).
		Component("platform").
		Build()
}

// statusCategory maps an HTTP status code to the error taxonomy used for
// per-item failure accounting.
func statusCategory(statusCode int) errors.ErrorCategory {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.CategoryPermission
	case http.StatusNotFound:
		return errors.CategoryNotFound
	case http.StatusConflict:
		return errors.CategoryDuplicate
	case http.StatusTooManyRequests:
		return errors.CategoryRateLimit
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.CategoryValidation
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.CategoryTimeout
	default:
		return errors.CategoryNetwork
	}
}

// Metrics is a snapshot of the client's request counters.
type Metrics struct {
	APICalls      int64         `json:"api_calls"`
	APIErrors     int64         `json:"api_errors"`
	RateLimitHits int64         `json:"rate_limit_hits"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()

	m := Metrics{
		APICalls:      c.metrics.apiCalls,
		APIErrors:     c.metrics.apiErrors,
		RateLimitHits: c.metrics.rateLimitHits,
		TotalDuration: c.metrics.totalDuration,
	}
	if m.APICalls > 0 {
		m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.APICalls)
	}
	return m
}
