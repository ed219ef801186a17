// Package ratelimit implements source API call-budget tracking and request gating.
// It monitors the X-Shopify-Shop-Api-Call-Limit header (a leaky bucket reported
// as "used/max") and throttles callers before the bucket overflows into 429s.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Redis key layout for shared call-limit state. The shop domain is appended.
const (
	RedisKeyPrefix = "ingest:rate_limit:"
)

// Bucket behaviour of the source API.
const (
	// LeakRate is the number of calls the source drains from the bucket per second.
	LeakRate = 2.0

	// WarningRatio applies throttling when the bucket is at least this full.
	WarningRatio = 0.8

	// DefaultBucketSize is assumed until the first header is observed.
	DefaultBucketSize = 40
)

// CallLimitHeader is the response header carrying the bucket fill level.
const CallLimitHeader = "X-Shopify-Shop-Api-Call-Limit"

// CallLimitState represents the current call bucket state of one shop.
type CallLimitState struct {
	// Used is the number of calls currently in the bucket.
	Used int `json:"used"`

	// Max is the bucket size.
	Max int `json:"max"`

	// LastUpdate is when this state was observed.
	LastUpdate time.Time `json:"last_update"`
}

// ParseCallLimit parses a "used/max" header value.
func ParseCallLimit(value string) (used, max int, err error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid call limit %q", value)
	}
	used, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("parse used calls: %w", err)
	}
	max, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("parse max calls: %w", err)
	}
	if max <= 0 || used < 0 {
		return 0, 0, fmt.Errorf("invalid call limit %q", value)
	}
	return used, max, nil
}

// UsedAt estimates the bucket fill at time now, accounting for the leak since LastUpdate.
func (s *CallLimitState) UsedAt(now time.Time) float64 {
	elapsed := now.Sub(s.LastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	used := float64(s.Used) - elapsed*LeakRate
	if used < 0 {
		return 0
	}
	return used
}

// NeedsThrottling returns true if the bucket is at or above the warning ratio at now.
func (s *CallLimitState) NeedsThrottling(now time.Time) bool {
	if s.Max <= 0 {
		return false
	}
	return s.UsedAt(now) >= WarningRatio*float64(s.Max)
}

// ThrottleDelay returns how long to wait at now for the bucket to drain below
// the warning ratio. Returns 0 if no wait is needed.
func (s *CallLimitState) ThrottleDelay(now time.Time) time.Duration {
	if !s.NeedsThrottling(now) {
		return 0
	}
	overflow := s.UsedAt(now) - WarningRatio*float64(s.Max) + 1
	return time.Duration(overflow / LeakRate * float64(time.Second))
}
