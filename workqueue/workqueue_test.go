package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/kbukum/gokit/logger"
	gkredis "github.com/kbukum/gokit/redis"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	cfg := gkredis.Config{Enabled: true, Addr: mini.Addr()}
	cfg.ApplyDefaults()

	client, err := gkredis.New(cfg, logger.NewDefault("workqueue-test"))
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return New(client)
}

func TestQueuePushReserveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth() = %d, want 1", depth)
	}

	jobID, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("Reserve() = %q, want job-1", jobID)
	}

	pdepth, err := q.ProcessingDepth(ctx)
	if err != nil {
		t.Fatalf("ProcessingDepth() error = %v", err)
	}
	if pdepth != 1 {
		t.Fatalf("ProcessingDepth() = %d, want 1 before ack", pdepth)
	}

	if err := q.Ack(ctx, jobID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	pdepth, err = q.ProcessingDepth(ctx)
	if err != nil {
		t.Fatalf("ProcessingDepth() error = %v", err)
	}
	if pdepth != 0 {
		t.Fatalf("ProcessingDepth() = %d, want 0 after ack", pdepth)
	}
}

func TestQueueReserveTimesOutWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Reserve(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("Reserve() error = %v, want ErrEmpty", err)
	}
}

func TestQueueNackWithRequeuePutsJobBack(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, "job-2"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	jobID, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := q.Nack(ctx, jobID, true); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth() = %d, want 1 after requeue", depth)
	}

	pdepth, err := q.ProcessingDepth(ctx)
	if err != nil {
		t.Fatalf("ProcessingDepth() error = %v", err)
	}
	if pdepth != 0 {
		t.Fatalf("ProcessingDepth() = %d, want 0 after requeue", pdepth)
	}
}

func TestQueueNackWithoutRequeueDropsJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Push(ctx, "job-3"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	jobID, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := q.Nack(ctx, jobID, false); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	depth, _ := q.Depth(ctx)
	pdepth, _ := q.ProcessingDepth(ctx)
	if depth != 0 || pdepth != 0 {
		t.Fatalf("Depth() = %d, ProcessingDepth() = %d, want both 0 after drop", depth, pdepth)
	}
}

func TestQueuePushOrderIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("Push(%s) error = %v", id, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		id, err := q.Reserve(ctx, time.Second)
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		got = append(got, id)
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reserve order = %v, want %v", got, want)
		}
	}
}
