package idempotency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. It is constructed per process
// or per test and injected where needed; nothing is shared implicitly.
type MemoryStore struct {
	mu             sync.Mutex
	records        map[string]*Record
	now            func() time.Time
	pendingTimeout time.Duration
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock overrides the time source (for testing).
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPendingTimeout lets Begin take over pending records that were not
// updated for d, e.g. after a crashed run. Zero disables takeover.
func (s *MemoryStore) SetPendingTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTimeout = d
}

// Check looks up key without changing state.
func (s *MemoryStore) Check(_ context.Context, key, fingerprint string) (CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return CheckResult{}, nil
	}
	return CheckResult{
		Exists:           true,
		State:            rec.State,
		ResultID:         rec.ResultID,
		FingerprintMatch: rec.Fingerprint == fingerprint,
	}, nil
}

// Begin moves key into pending and returns the ticket for it.
func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if ok {
		switch rec.State {
		case StatePending:
			if s.pendingTimeout <= 0 || now.Sub(rec.UpdatedAt) < s.pendingTimeout {
				contentionTotal.WithLabelValues("in_progress").Inc()
				return Ticket{}, fmt.Errorf("%w: %s", ErrAlreadyInProgress, key)
			}
		case StateCompleted:
			if rec.Fingerprint == fingerprint {
				contentionTotal.WithLabelValues("completed").Inc()
				return Ticket{}, fmt.Errorf("%w: %s", ErrAlreadyCompleted, key)
			}
		}
	} else {
		rec = &Record{Key: key, CreatedAt: now}
		s.records[key] = rec
	}

	token := uuid.NewString()
	rec.Fingerprint = fingerprint
	rec.State = StatePending
	rec.ResultID = ""
	rec.Error = ""
	rec.Attempts++
	rec.UpdatedAt = now
	rec.token = token
	transitionsTotal.WithLabelValues(string(StatePending)).Inc()

	return Ticket{Key: key, Fingerprint: fingerprint, Token: token}, nil
}

// Complete moves the ticket's record from pending to completed.
func (s *MemoryStore) Complete(_ context.Context, t Ticket, resultID string) error {
	return s.finish(t, StateCompleted, func(rec *Record) { rec.ResultID = resultID })
}

// Fail moves the ticket's record from pending to failed.
func (s *MemoryStore) Fail(_ context.Context, t Ticket, message string) error {
	return s.finish(t, StateFailed, func(rec *Record) { rec.Error = message })
}

func (s *MemoryStore) finish(t Ticket, state State, apply func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[t.Key]
	if !ok || rec.State != StatePending || rec.token == "" || rec.token != t.Token {
		return fmt.Errorf("%w: %s", ErrInvalidTicket, t.Key)
	}

	apply(rec)
	rec.State = state
	rec.UpdatedAt = s.now()
	rec.token = ""
	transitionsTotal.WithLabelValues(string(state)).Inc()
	return nil
}

// Get returns a copy of the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *rec
	cp.token = ""
	return &cp, nil
}

// Stats counts records by state.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, rec := range s.records {
		st.add(rec.State)
	}
	return st, nil
}

// Cleanup removes failed records last updated more than maxAge ago. Pending
// and completed records are never removed.
func (s *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, rec := range s.records {
		if rec.State == StateFailed && rec.UpdatedAt.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// DetectCollisions lists fingerprints recorded under more than one key.
func (s *MemoryStore) DetectCollisions(_ context.Context) ([]Collision, error) {
	s.mu.Lock()
	byFingerprint := make(map[string][]string)
	for key, rec := range s.records {
		byFingerprint[rec.Fingerprint] = append(byFingerprint[rec.Fingerprint], key)
	}
	s.mu.Unlock()

	return collisions(byFingerprint), nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func collisions(byFingerprint map[string][]string) []Collision {
	var out []Collision
	for fp, keys := range byFingerprint {
		if len(keys) < 2 {
			continue
		}
		sort.Strings(keys)
		out = append(out, Collision{Fingerprint: fp, Keys: keys})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}
