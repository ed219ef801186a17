package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces idempotency records in Redis.
const RedisKeyPrefix = "ingest:idempotency:"

// beginScript performs the compare-and-set of Begin.
// KEYS[1] record, ARGV fingerprint, token, now (ms), pending timeout (ms).
var beginScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'pending' then
  local updated = tonumber(redis.call('HGET', KEYS[1], 'updated_at')) or 0
  local timeout = tonumber(ARGV[4])
  if timeout <= 0 or tonumber(ARGV[3]) - updated < timeout then
    return 'in_progress'
  end
elseif state == 'completed' then
  if redis.call('HGET', KEYS[1], 'fingerprint') == ARGV[1] then
    return 'completed'
  end
end
if not state then
  redis.call('HSET', KEYS[1], 'key', ARGV[5], 'created_at', ARGV[3])
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[1], 'state', 'pending', 'token', ARGV[2],
  'updated_at', ARGV[3], 'result_id', '', 'error', '')
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('PERSIST', KEYS[1])
return 'ok'
`)

// finishScript redeems a ticket.
// KEYS[1] record, ARGV token, state, field, value, now (ms), ttl (ms).
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'pending' then
  return 0
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], ARGV[3], ARGV[4], 'updated_at', ARGV[5])
redis.call('HDEL', KEYS[1], 'token')
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// cleanupScript deletes a failed record only if it is still failed and
// old. A concurrent Begin turns it pending, which keeps it.
// KEYS[1] record, ARGV cutoff (ms).
var cleanupScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'failed' then
  return 0
end
local updated = tonumber(redis.call('HGET', KEYS[1], 'updated_at')) or 0
if updated >= tonumber(ARGV[1]) then
  return 0
end
return redis.call('DEL', KEYS[1])
`)

// RedisStore keeps one hash per key in Redis so that concurrent runs in
// different processes share the same idempotency state.
type RedisStore struct {
	redis          *redis.Client
	now            func() time.Time
	pendingTimeout time.Duration
	failedTTL      time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPendingTimeout lets Begin take over pending records not updated for d.
func WithPendingTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.pendingTimeout = d }
}

// WithFailedTTL expires failed records after d. Zero keeps them forever.
// Completed records never expire: they are what keeps an order from being
// imported twice.
func WithFailedTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.failedTTL = d }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store on the given client.
func NewRedisStore(redisClient *redis.Client, opts ...RedisOption) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &RedisStore{redis: redisClient, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func redisKey(key string) string {
	return RedisKeyPrefix + key
}

// Check looks up key without changing state.
func (s *RedisStore) Check(ctx context.Context, key, fingerprint string) (CheckResult, error) {
	fields, err := s.redis.HMGet(ctx, redisKey(key), "state", "fingerprint", "result_id").Result()
	if err != nil {
		return CheckResult{}, fmt.Errorf("redis hmget: %w", err)
	}
	state, _ := fields[0].(string)
	if state == "" {
		return CheckResult{}, nil
	}
	storedFP, _ := fields[1].(string)
	resultID, _ := fields[2].(string)
	return CheckResult{
		Exists:           true,
		State:            State(state),
		ResultID:         resultID,
		FingerprintMatch: storedFP == fingerprint,
	}, nil
}

// Begin atomically moves key into pending and returns the ticket for it.
func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (Ticket, error) {
	token := uuid.NewString()
	outcome, err := beginScript.Run(ctx, s.redis, []string{redisKey(key)},
		fingerprint, token, s.now().UnixMilli(), s.pendingTimeout.Milliseconds(), key).Text()
	if err != nil {
		return Ticket{}, fmt.Errorf("redis begin: %w", err)
	}

	switch outcome {
	case "ok":
		transitionsTotal.WithLabelValues(string(StatePending)).Inc()
		return Ticket{Key: key, Fingerprint: fingerprint, Token: token}, nil
	case "in_progress":
		contentionTotal.WithLabelValues("in_progress").Inc()
		return Ticket{}, fmt.Errorf("%w: %s", ErrAlreadyInProgress, key)
	case "completed":
		contentionTotal.WithLabelValues("completed").Inc()
		return Ticket{}, fmt.Errorf("%w: %s", ErrAlreadyCompleted, key)
	default:
		return Ticket{}, fmt.Errorf("redis begin: unexpected outcome %q", outcome)
	}
}

// Complete moves the ticket's record from pending to completed.
func (s *RedisStore) Complete(ctx context.Context, t Ticket, resultID string) error {
	return s.finish(ctx, t, StateCompleted, "result_id", resultID)
}

// Fail moves the ticket's record from pending to failed.
func (s *RedisStore) Fail(ctx context.Context, t Ticket, message string) error {
	return s.finish(ctx, t, StateFailed, "error", message)
}

func (s *RedisStore) finish(ctx context.Context, t Ticket, state State, field, value string) error {
	if t.Token == "" {
		return fmt.Errorf("%w: %s", ErrInvalidTicket, t.Key)
	}
	var ttl time.Duration
	if state == StateFailed {
		ttl = s.failedTTL
	}
	ok, err := finishScript.Run(ctx, s.redis, []string{redisKey(t.Key)},
		t.Token, string(state), field, value, s.now().UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis %s: %w", state, err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %s", ErrInvalidTicket, t.Key)
	}
	transitionsTotal.WithLabelValues(string(state)).Inc()
	return nil
}

// Get returns the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.redis.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return recordFromHash(key, fields), nil
}

// Stats counts records by state.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.scan(ctx, func(rec *Record) error {
		st.add(rec.State)
		return nil
	})
	return st, err
}

// Cleanup removes failed records last updated more than maxAge ago. Pending
// and completed records are never removed. Each delete re-checks the record
// atomically, so a record taken over by Begin after the scan survives.
func (s *RedisStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	removed := 0
	err := s.scan(ctx, func(rec *Record) error {
		if rec.State != StateFailed {
			return nil
		}
		n, err := cleanupScript.Run(ctx, s.redis, []string{redisKey(rec.Key)}, cutoff).Int()
		if err != nil {
			return fmt.Errorf("redis cleanup: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

// DetectCollisions lists fingerprints recorded under more than one key.
func (s *RedisStore) DetectCollisions(ctx context.Context) ([]Collision, error) {
	byFingerprint := make(map[string][]string)
	err := s.scan(ctx, func(rec *Record) error {
		byFingerprint[rec.Fingerprint] = append(byFingerprint[rec.Fingerprint], rec.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collisions(byFingerprint), nil
}

// scan visits every record under RedisKeyPrefix.
func (s *RedisStore) scan(ctx context.Context, visit func(*Record) error) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, RedisKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		for _, rk := range keys {
			fields, err := s.redis.HGetAll(ctx, rk).Result()
			if err != nil {
				return fmt.Errorf("redis hgetall: %w", err)
			}
			if len(fields) == 0 {
				// Expired between SCAN and HGETALL
				continue
			}
			if err := visit(recordFromHash(rk[len(RedisKeyPrefix):], fields)); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func recordFromHash(key string, fields map[string]string) *Record {
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &Record{
		Key:         key,
		Fingerprint: fields["fingerprint"],
		State:       State(fields["state"]),
		ResultID:    fields["result_id"],
		Error:       fields["error"],
		Attempts:    attempts,
		CreatedAt:   millis(fields["created_at"]),
		UpdatedAt:   millis(fields["updated_at"]),
	}
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
