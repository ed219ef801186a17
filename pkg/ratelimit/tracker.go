package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for call-limit tracking.
var (
	callLimitUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_call_limit_used",
		Help: "Calls currently in the source API bucket as last reported",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rate_limit_throttles_total",
		Help: "Total number of requests delayed because the source call bucket was nearly full",
	})
)

// stateTTL bounds how long shared state survives in Redis without updates.
const stateTTL = 10 * time.Minute

// Tracker monitors the source call bucket and gates requests. State is
// shared across processes through Redis when a client is configured and
// kept in memory otherwise.
type Tracker struct {
	redis  *redis.Client
	key    string
	logger zerolog.Logger

	mu    sync.Mutex
	local *CallLimitState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new call-limit tracker for one shop. redisClient may be nil.
func NewTracker(redisClient *redis.Client, shop string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		key:    RedisKeyPrefix + shop,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetSleep replaces the sleep function (for testing).
func (t *Tracker) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	t.sleep = fn
}

// SetClock replaces the time source (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// GetState returns the current call-limit state. A fresh state with an
// empty bucket is returned when nothing has been observed yet.
func (t *Tracker) GetState(ctx context.Context) (*CallLimitState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.local == nil {
			return t.defaultState(), nil
		}
		s := *t.local
		return &s, nil
	}

	data, err := t.redis.Get(ctx, t.key).Bytes()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No call-limit state in Redis, returning empty bucket")
		return t.defaultState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get call-limit state: %w", err)
	}

	var state CallLimitState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse call-limit state: %w", err)
	}
	return &state, nil
}

func (t *Tracker) defaultState() *CallLimitState {
	return &CallLimitState{Used: 0, Max: DefaultBucketSize, LastUpdate: t.now()}
}

// UpdateFromHeaders records the bucket level reported by a response.
// Responses without the header leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	value := headers.Get(CallLimitHeader)
	if value == "" {
		return nil
	}

	used, max, err := ParseCallLimit(value)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", CallLimitHeader, err)
	}

	state := &CallLimitState{Used: used, Max: max, LastUpdate: t.now()}

	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
	} else {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal call-limit state: %w", err)
		}
		if err := t.redis.Set(ctx, t.key, data, stateTTL).Err(); err != nil {
			return fmt.Errorf("store call-limit state in redis: %w", err)
		}
	}

	callLimitUsed.Set(float64(used))

	if state.NeedsThrottling(state.LastUpdate) {
		t.logger.Warn().
			Int("used", used).
			Int("max", max).
			Msg("Source call bucket nearly full - requests will be throttled")
	} else {
		t.logger.Debug().
			Int("used", used).
			Int("max", max).
			Msg("Source call-limit state updated")
	}

	return nil
}

// Wait blocks until the bucket has drained below the warning ratio or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get call-limit state: %w", err)
	}

	delay := state.ThrottleDelay(t.now())
	if delay <= 0 {
		return nil
	}

	t.logger.Warn().
		Int("used", state.Used).
		Int("max", state.Max).
		Dur("delay", delay).
		Msg("Source call bucket warning - throttling request")

	rateLimitThrottlesTotal.Inc()
	return t.sleep(ctx, delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
