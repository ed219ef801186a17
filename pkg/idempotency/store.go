// Package idempotency guarantees at most one successful conversion per source
// record. A record is keyed by its external id and carries the fingerprint of
// the content it was processed with; a completed record is only skipped when
// the fingerprint still matches.
//
// Every transition out of absent, failed, or completed-with-other-content
// into pending goes through Begin, which is atomic in every Store
// implementation. Begin hands out a Ticket; exactly one Complete or Fail call
// may redeem it.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrAlreadyInProgress is returned by Begin when another worker or run
	// holds a pending record for the key.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrAlreadyCompleted is returned by Begin when the key was completed
	// with an identical fingerprint in the meantime.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrInvalidTicket is returned by Complete and Fail when the ticket does
	// not match the current pending record.
	ErrInvalidTicket = errors.New("invalid ticket")

	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("record not found")
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_idempotency_transitions_total",
		Help: "Total idempotency state transitions by target state",
	}, []string{"state"})

	contentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_idempotency_contention_total",
		Help: "Total Begin calls rejected because the key was taken",
	}, []string{"reason"})
)

// KeyPrefix namespaces idempotency keys for invoice creation.
const KeyPrefix = "shopify_create_invoice_"

// Key returns the idempotency key for an external record id.
func Key(externalID string) string {
	return KeyPrefix + externalID
}

// State is the processing state of a record.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is the stored processing state of one key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	ResultID    string    `json:"result_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	token string
}

// Ticket is the handle returned by Begin.
type Ticket struct {
	Key         string
	Fingerprint string
	Token       string
}

// CheckResult is the read-only view returned by Check.
type CheckResult struct {
	Exists           bool
	State            State
	ResultID         string
	FingerprintMatch bool
}

// Skip reports whether the record was already completed with the same content.
func (r CheckResult) Skip() bool {
	return r.Exists && r.State == StateCompleted && r.FingerprintMatch
}

// Store is the idempotency contract used by the orchestrator. Implementations
// must be safe for concurrent use and Begin must be atomic.
type Store interface {
	Check(ctx context.Context, key, fingerprint string) (CheckResult, error)
	Begin(ctx context.Context, key, fingerprint string) (Ticket, error)
	Complete(ctx context.Context, t Ticket, resultID string) error
	Fail(ctx context.Context, t Ticket, message string) error
}

// Stats summarizes the records of a store.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Collision is a fingerprint shared by more than one key.
type Collision struct {
	Fingerprint string   `json:"fingerprint"`
	Keys        []string `json:"keys"`
}

// Maintainer exposes inspection and housekeeping operations.
type Maintainer interface {
	Get(ctx context.Context, key string) (*Record, error)
	Stats(ctx context.Context) (Stats, error)
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
	DetectCollisions(ctx context.Context) ([]Collision, error)
}

func (s *Stats) add(state State) {
	s.Total++
	switch state {
	case StatePending:
		s.Pending++
	case StateCompleted:
		s.Completed++
	case StateFailed:
		s.Failed++
	}
}
