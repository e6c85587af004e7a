// Package workqueue is the Work Queue: a reliable Redis-list-backed FIFO
// that hands job IDs out to workers at least once. It is deliberately not
// the dispatch gate — a job ID can be reserved by more than one worker
// under crash/restart conditions, and the Job Registry's compare-and-set is
// what makes only one of them actually win the job (see the registry
// package).
package workqueue

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	gkerrors "github.com/kbukum/gokit/errors"
	gkredis "github.com/kbukum/gokit/redis"
)

const (
	queueKey      = "job:queue"
	processingKey = "job:processing"
)

// ErrEmpty is returned by Reserve when no job becomes available before the
// timeout elapses. It is a worker-loop control signal, not a client-facing
// error, so it does not carry an errors.AppError.
var ErrEmpty = errors.New("workqueue: reserve timed out with no job available")

// Queue is the Redis-backed reliable work queue.
type Queue struct {
	client *gkredis.Client
}

// New creates a Queue backed by the given Redis client.
func New(client *gkredis.Client) *Queue {
	return &Queue{client: client}
}

// Push enqueues a job ID for a worker to pick up.
func (q *Queue) Push(ctx context.Context, jobID string) error {
	if err := q.client.Unwrap().LPush(ctx, queueKey, jobID).Err(); err != nil {
		return gkerrors.QueueUnavailable(err)
	}
	return nil
}

// Reserve blocks up to timeout waiting for a job ID, atomically moving it
// from the queue into the processing list via BRPOPLPUSH so a worker that
// crashes mid-job leaves its reservation recoverable rather than lost.
// Returns ErrEmpty if timeout elapses with nothing to reserve.
func (q *Queue) Reserve(ctx context.Context, timeout time.Duration) (string, error) {
	jobID, err := q.client.Unwrap().BRPopLPush(ctx, queueKey, processingKey, timeout).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", ErrEmpty
		}
		return "", gkerrors.QueueUnavailable(err)
	}
	return jobID, nil
}

// Ack removes jobID from the processing list once a worker has durably
// recorded its outcome in the registry.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := q.client.Unwrap().LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return gkerrors.QueueUnavailable(err)
	}
	return nil
}

// Nack removes jobID from the processing list and, if requeue is true, pushes
// it back onto the tail of the queue for another attempt.
func (q *Queue) Nack(ctx context.Context, jobID string, requeue bool) error {
	if err := q.client.Unwrap().LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return gkerrors.QueueUnavailable(err)
	}
	if !requeue {
		return nil
	}
	return q.Push(ctx, jobID)
}

// Depth reports the number of job IDs currently waiting to be reserved.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.Unwrap().LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, gkerrors.QueueUnavailable(err)
	}
	return n, nil
}

// ProcessingDepth reports the number of job IDs reserved but not yet
// acknowledged, used by the Janitor to detect stuck workers.
func (q *Queue) ProcessingDepth(ctx context.Context) (int64, error) {
	n, err := q.client.Unwrap().LLen(ctx, processingKey).Result()
	if err != nil {
		return 0, gkerrors.QueueUnavailable(err)
	}
	return n, nil
}
