// Package ratelimit provides per-caller admission control for the HTTP
// surface, sharding the teacher's token-bucket resilience.RateLimiter by
// (bucket, caller) so one noisy caller cannot exhaust another's allowance.
package ratelimit

import (
	"sync"
	"time"

	"github.com/kbukum/gokit/resilience"
)

// Bucket names an admission-controlled operation.
type Bucket string

const (
	// BucketSubmit gates POST /transcribe.
	BucketSubmit Bucket = "submit"
	// BucketPoll gates GET /status, GET /result, DELETE /job.
	BucketPoll Bucket = "poll"
)

// BucketConfig configures the capacity and refill rate for one Bucket.
type BucketConfig struct {
	// Capacity is the maximum burst size.
	Capacity int
	// RefillPerMinute is how many tokens are added back per minute.
	RefillPerMinute int
}

// DefaultConfig returns the per-bucket defaults: 10/min for submissions,
// 60/min for polling.
func DefaultConfig() map[Bucket]BucketConfig {
	return map[Bucket]BucketConfig{
		BucketSubmit: {Capacity: 10, RefillPerMinute: 10},
		BucketPoll:   {Capacity: 60, RefillPerMinute: 60},
	}
}

// Limiter admits or rejects a (bucket, caller) request using one token
// bucket per pair, created lazily on first use.
type Limiter struct {
	mu      sync.Mutex
	cfg     map[Bucket]BucketConfig
	buckets map[string]*resilience.RateLimiter
}

// New creates a Limiter with the given per-bucket configuration.
func New(cfg map[Bucket]BucketConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*resilience.RateLimiter),
	}
}

func shardKey(bucket Bucket, caller string) string {
	return string(bucket) + "|" + caller
}

func (l *Limiter) limiterFor(bucket Bucket, caller string) *resilience.RateLimiter {
	key := shardKey(bucket, caller)

	l.mu.Lock()
	defer l.mu.Unlock()

	if rl, ok := l.buckets[key]; ok {
		return rl
	}

	bc, ok := l.cfg[bucket]
	if !ok {
		bc = BucketConfig{Capacity: 10, RefillPerMinute: 10}
	}
	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		Name:  key,
		Rate:  float64(bc.RefillPerMinute) / 60.0,
		Burst: bc.Capacity,
	})
	l.buckets[key] = rl
	return rl
}

// TryAcquire attempts to admit one request for (bucket, caller). When denied,
// retryAfter estimates how long the caller should wait before the next token
// becomes available.
func (l *Limiter) TryAcquire(bucket Bucket, caller string) (ok bool, retryAfter time.Duration) {
	rl := l.limiterFor(bucket, caller)
	if rl.Allow() {
		return true, 0
	}

	bc := l.cfg[bucket]
	refillRate := float64(bc.RefillPerMinute) / 60.0
	if refillRate <= 0 {
		refillRate = rl.Rate()
	}
	return false, time.Duration(float64(time.Second) / refillRate)
}
