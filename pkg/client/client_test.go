package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// newTestClient creates a client whose retries never sleep.
func newTestClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()

	logger := zerolog.Nop()
	cfg := DefaultConfig("shpat_test")
	cfg.Logger = &logger
	cfg.Retry.Jitter = 0
	cfg.Retry.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      DefaultConfig("shpat_test"),
			expectError: false,
		},
		{
			name:        "missing access token",
			config:      Config{},
			expectError: true,
			errorMsg:    "access token is required",
		},
		{
			name:        "negative timeout",
			config:      Config{AccessToken: "x", Timeout: -time.Second},
			expectError: true,
			errorMsg:    "timeout must be >= 0 (got -1s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if client == nil {
					t.Error("Client is nil")
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("shpat_test")

	if cfg.AccessToken != "shpat_test" {
		t.Errorf("AccessToken = %q, want %q", cfg.AccessToken, "shpat_test")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorClass
	}{
		{status: 400, expected: ErrorClassClient},
		{status: 401, expected: ErrorClassClient},
		{status: 404, expected: ErrorClassClient},
		{status: 422, expected: ErrorClassClient},
		{status: 429, expected: ErrorClassRateLimit},
		{status: 500, expected: ErrorClassServer},
		{status: 503, expected: ErrorClassServer},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.expected {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value    string
		expected int
	}{
		{value: "", expected: 0},
		{value: "2", expected: 2},
		{value: "2.0", expected: 2},
		{value: "1.5", expected: 2},
		{value: "soon", expected: 0},
		{value: "-3", expected: 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.expected {
			t.Errorf("parseRetryAfter(%q) = %d, want %d", tt.value, got, tt.expected)
		}
	}
}

func TestDo_HeadersSet(t *testing.T) {
	var tokenReceived, userAgentReceived string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenReceived = r.Header.Get(AccessTokenHeader)
		userAgentReceived = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"orders": []}`))
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	resp, err := client.Get(context.Background(), server.URL+"/admin/api/2025-01/orders.json")
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	if tokenReceived != "shpat_test" {
		t.Errorf("%s = %q, want %q", AccessTokenHeader, tokenReceived, "shpat_test")
	}
	if userAgentReceived != "shop-invoice-ingest/0.1.0" {
		t.Errorf("User-Agent = %q", userAgentReceived)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`ok`))
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Do() error = %v, want success after retries", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestDo_RateLimitedRetried(t *testing.T) {
	var calls int32
	var waits []time.Duration
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, func(cfg *Config) {
		cfg.Retry.Sleep = func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}
	})

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(waits) != 1 || waits[0] != 3*time.Second {
		t.Errorf("waits = %v, want [3s] from Retry-After", waits)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":"[API] Invalid API key or access token"}`))
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	_, err := client.Get(context.Background(), server.URL)

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PermanentError", err)
	}
	if pe.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", pe.StatusCode)
	}
	if !bytes.Contains([]byte(pe.Message), []byte("Invalid API key")) {
		t.Errorf("Message = %q, want body excerpt", pe.Message)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, func(cfg *Config) { cfg.Retry.MaxAttempts = 4 })

	_, err := client.Get(context.Background(), server.URL)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("server calls = %d, want 4", got)
	}
}

func TestDo_BodyReissuedPerAttempt(t *testing.T) {
	var calls int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, bytes.NewReader([]byte(`{"a":1}`)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[0] != `{"a":1}` || bodies[1] != `{"a":1}` {
		t.Errorf("bodies = %q, want the full body on both attempts", bodies)
	}
}

func TestDo_NonReissuableBodyNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, io.NopCloser(bytes.NewReader([]byte(`x`))))
	req.GetBody = nil

	_, err := client.Do(req)
	if !errors.Is(err, ErrBodyNotReissuable) {
		t.Errorf("error = %v, want ErrBodyNotReissuable", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestDo_UpdatesTracker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ratelimit.CallLimitHeader, "12/40")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tracker := ratelimit.NewTracker(nil, "test.myshopify.com", zerolog.Nop())
	client := newTestClient(t, func(cfg *Config) {
		cfg.Tracker = tracker
		cfg.Limiter = ratelimit.NewLimiter(0, 1)
	})

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Used != 12 || state.Max != 40 {
		t.Errorf("tracker state = %d/%d, want 12/40", state.Used, state.Max)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, server.URL)
	if !IsCancelled(err) {
		t.Errorf("error = %v, want cancellation", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("cancellation must not be reported as exhausted retries")
	}
}
