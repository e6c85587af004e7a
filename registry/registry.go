// Package registry is the Job Registry: the durable, compare-and-swap-gated
// source of truth for every submitted job's lifecycle state. It is backed by
// Redis, storing each JobRecord as one JSON document and using a single Lua
// script to make state transitions atomic without a separate lock.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	gkredis "github.com/kbukum/gokit/redis"
)

const (
	keyPrefix     = "job:"
	byStatePrefix = "job:by-state:"

	// heartbeatKey holds the timestamp of the most recent worker heartbeat.
	// Any worker process heartbeating is enough to call the fleet live, so
	// it's a single shared key rather than one per worker.
	heartbeatKey = "worker:heartbeat"
)

// casScript performs an atomic compare-and-set on a job record:
//  1. GET the current record; missing key -> "notfound"
//  2. decode it; state mismatch -> "mismatch:<actual state>"
//  3. SET the new record (ARGV[2]) in place of the old one, update the
//     by-state sorted sets, and return "ok"
//
// KEYS[1] = job key, ARGV[1] = expected state, ARGV[2] = new record JSON,
// ARGV[3] = new state, ARGV[4] = submitted-at unix nanos (sort score),
// ARGV[5] = by-state key prefix.
var casScript = goredis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if raw == false then
    return "notfound"
end
local current = cjson.decode(raw)
if current.state ~= ARGV[1] then
    return "mismatch:" .. current.state
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("ZREM", ARGV[5] .. ARGV[1], KEYS[1])
redis.call("ZADD", ARGV[5] .. ARGV[3], ARGV[4], KEYS[1])
return "ok"
`)

// Store is the Redis-backed Job Registry.
type Store struct {
	client *gkredis.Client
}

// New creates a Store backed by the given Redis client.
func New(client *gkredis.Client) *Store {
	return &Store{client: client}
}

func jobKey(jobID string) string { return keyPrefix + jobID }

// Create writes a brand-new job record. Fails with AlreadyExists if jobID
// already exists (job IDs are UUIDv4, so collisions would indicate a client
// bug rather than a legitimate retry).
func (s *Store) Create(ctx context.Context, rec jobmodel.JobRecord) error {
	key := jobKey(rec.JobID)
	n, err := s.client.Exists(ctx, key)
	if err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	if n > 0 {
		return gkerrors.AlreadyExists("job")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key, string(data), 0); err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	return s.indexByState(ctx, rec)
}

func (s *Store) indexByState(ctx context.Context, rec jobmodel.JobRecord) error {
	rdb := s.client.Unwrap()
	score := float64(rec.SubmittedAt.UnixNano())
	if err := rdb.ZAdd(ctx, byStatePrefix+string(rec.State), goredis.Z{Score: score, Member: jobKey(rec.JobID)}).Err(); err != nil {
		return fmt.Errorf("registry: index by state: %w", err)
	}
	return nil
}

// Get fetches a job record. Returns (nil, nil) if jobID is unknown.
func (s *Store) Get(ctx context.Context, jobID string) (*jobmodel.JobRecord, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID))
	if err != nil {
		if err.Error() == "redis: nil" {
			return nil, nil
		}
		return nil, gkerrors.RegistryUnavailable(err)
	}
	var rec jobmodel.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("registry: unmarshal record %q: %w", jobID, err)
	}
	return &rec, nil
}

// CompareAndSet atomically applies mutate to the job's current record iff its
// state equals expected, persisting the result and re-indexing it under
// mutate's (possibly new) state. Returns gkerrors.NotFound if the job does not
// exist, or gkerrors.StateMismatch if the current state does not match
// expected.
func (s *Store) CompareAndSet(ctx context.Context, jobID string, expected jobmodel.State, mutate func(jobmodel.JobRecord) jobmodel.JobRecord) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current == nil {
		return gkerrors.NotFound("job", jobID)
	}
	if current.State != expected {
		return gkerrors.StateMismatch(string(expected), string(current.State))
	}

	next := mutate(*current)
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("registry: marshal record: %w", err)
	}

	result, err := casScript.Run(ctx, s.client.Unwrap(), []string{jobKey(jobID)},
		string(expected), string(data), string(next.State), next.SubmittedAt.UnixNano(), byStatePrefix,
	).Text()
	if err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	if result == "notfound" {
		return gkerrors.NotFound("job", jobID)
	}
	if len(result) >= len("mismatch:") && result[:len("mismatch:")] == "mismatch:" {
		return gkerrors.StateMismatch(string(expected), result[len("mismatch:"):])
	}
	if result != "ok" {
		return fmt.Errorf("registry: unexpected CAS result %q", result)
	}
	return nil
}

// ListByState returns up to limit job IDs currently in the given state,
// oldest submission first, using the secondary sorted-set index so the
// Janitor never has to scan the full keyspace.
func (s *Store) ListByState(ctx context.Context, state jobmodel.State, limit int64) ([]string, error) {
	rdb := s.client.Unwrap()
	members, err := rdb.ZRange(ctx, byStatePrefix+string(state), 0, limit-1).Result()
	if err != nil {
		return nil, gkerrors.RegistryUnavailable(err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m[len(keyPrefix):])
	}
	return ids, nil
}

// Heartbeat records that a worker process is alive, expiring after ttl so a
// crashed fleet goes stale rather than reading as live forever.
func (s *Store) Heartbeat(ctx context.Context, ttl time.Duration) error {
	if err := s.client.Set(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339), ttl); err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	return nil
}

// HeartbeatFresh reports whether a worker has heartbeated within its TTL.
// The key's own expiry does the freshness check; this just reports whether
// it's still present.
func (s *Store) HeartbeatFresh(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, heartbeatKey)
	if err != nil {
		return false, gkerrors.RegistryUnavailable(err)
	}
	return n > 0, nil
}

// Delete removes a job record and its state index entries.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	rec, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rdb := s.client.Unwrap()
	if err := rdb.ZRem(ctx, byStatePrefix+string(rec.State), jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("registry: remove state index: %w", err)
	}
	if err := s.client.Del(ctx, jobKey(jobID)); err != nil {
		return gkerrors.RegistryUnavailable(err)
	}
	return nil
}
