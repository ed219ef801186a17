// Package client provides the rate-limited HTTP client used to talk to the
// source commerce API: admission control, retry with exponential backoff and
// a transient/permanent error taxonomy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_requests_total",
		Help: "Total source API requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_http_request_duration_seconds",
		Help:    "Source API request duration in seconds, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_http_errors_total",
		Help: "Total source API errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// AccessTokenHeader authenticates requests against the source Admin API.
const AccessTokenHeader = "X-Shopify-Access-Token"

// maxErrorBody bounds how much of an error response body is kept in errors.
const maxErrorBody = 512

// Client performs single source API calls with admission control and retry.
// It knows nothing about pagination or business data.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// AccessToken is sent as X-Shopify-Access-Token on every request.
	AccessToken string

	// UserAgent header
	UserAgent string

	// Timeout applies per HTTP call, not per retry sequence.
	Timeout time.Duration

	// Retry policy for transient failures.
	Retry RetryPolicy

	// Limiter is the process-wide token bucket (optional).
	Limiter *ratelimit.Limiter

	// Tracker follows the source call bucket reported in response headers (optional).
	Tracker *ratelimit.Tracker

	// HTTPClient overrides the underlying client (optional). Its Timeout is
	// replaced by Timeout when Timeout is set.
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(accessToken string) Config {
	return Config{
		AccessToken: accessToken,
		UserAgent:   "shop-invoice-ingest/0.1.0",
		Timeout:     30 * time.Second,
		Retry:       DefaultRetryPolicy(),
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	logger := log.With().Str("component", "source-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = &logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 {
		clone := *httpClient
		clone.Timeout = cfg.Timeout
		httpClient = &clone
	}

	return &Client{
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		tracker:    cfg.Tracker,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Do performs an HTTP request with admission control and retry. 2xx and 3xx
// responses are returned to the caller, who must close the body. Failures are
// returned as *PermanentError, *ExhaustedRetriesError, or a cancellation error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	reissuable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var resp *http.Response
	retryErr := c.config.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 && !reissuable {
			return &PermanentError{
				ErrorClass: ErrorClassClient,
				Message:    "request cannot be retried",
				Err:        ErrBodyNotReissuable,
			}
		}

		if err := c.admit(ctx); err != nil {
			return err
		}

		attemptReq, err := c.prepare(ctx, req, attempt)
		if err != nil {
			return err
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", req.Method).
			Int("attempt", attempt).
			Msg("Executing source request")

		r, err := c.httpClient.Do(attemptReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancellation is the caller's decision, never retried
				return ctxErr
			}
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues("network_error").Inc()
			return &TransientError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        err,
			}
		}

		if c.tracker != nil {
			if err := c.tracker.UpdateFromHeaders(ctx, r.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update call limit from headers")
			}
		}

		requestsTotal.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()

		if r.StatusCode < 400 {
			resp = r
			return nil
		}

		return c.statusError(r, endpoint)
	})

	if retryErr != nil {
		return nil, retryErr
	}

	return resp, nil
}

// admit waits for the token bucket and the call-limit tracker.
func (c *Client) admit(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	if c.tracker != nil {
		if err := c.tracker.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// A broken tracker must not stop the import
			c.logger.Warn().Err(err).Msg("Call limit check failed")
		}
	}
	return nil
}

// prepare re-creates the request for one attempt so that no body is shared
// between attempts.
func (c *Client) prepare(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	attemptReq := req.Clone(ctx)
	if attempt > 1 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, &PermanentError{
				ErrorClass: ErrorClassClient,
				Message:    "re-create request body",
				Err:        err,
			}
		}
		attemptReq.Body = body
	}

	attemptReq.Header.Set(AccessTokenHeader, c.config.AccessToken)
	attemptReq.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		attemptReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	return attemptReq, nil
}

// statusError converts an error response into the error taxonomy and closes its body.
func (c *Client) statusError(resp *http.Response, endpoint string) error {
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(resp.Status + " " + string(excerpt))

	errClass := classifyStatus(resp.StatusCode)
	errorsTotal.WithLabelValues(string(errClass)).Inc()

	c.logger.Warn().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Source request error")

	if !shouldRetry(errClass) {
		return &PermanentError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    message,
		}
	}

	return &TransientError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// classifyStatus categorizes an HTTP error status.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// parseRetryAfter reads a Retry-After header in seconds (fractions rounded up).
func parseRetryAfter(value string) int {
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return 0
	}
	secs := int(f)
	if float64(secs) < f {
		secs++
	}
	return secs
}

// Get performs a GET request against an absolute URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// IsCancelled reports whether err stems from context cancellation or deadline.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrContextCancelled)
}
