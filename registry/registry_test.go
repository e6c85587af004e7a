package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	gkredis "github.com/kbukum/gokit/redis"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	cfg := gkredis.Config{Enabled: true, Addr: mini.Addr()}
	cfg.ApplyDefaults()

	client, err := gkredis.New(cfg, logger.NewDefault("registry-test"))
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return New(client)
}

func newTestStoreWithRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	cfg := gkredis.Config{Enabled: true, Addr: mini.Addr()}
	cfg.ApplyDefaults()

	client, err := gkredis.New(cfg, logger.NewDefault("registry-test"))
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return New(client), mini
}

func newRecord(jobID string) jobmodel.JobRecord {
	return jobmodel.JobRecord{
		JobID:       jobID,
		State:       jobmodel.StateQueued,
		Fingerprint: "abc123",
		Filename:    "clip.wav",
		SubmittedAt: time.Now(),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("job-1")
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.State != jobmodel.StateQueued {
		t.Fatalf("Get() = %+v, want Queued record", got)
	}
}

func TestStoreCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := newRecord("job-2")

	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	err := s.Create(ctx, rec)

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodeAlreadyExists {
		t.Fatalf("second Create() error = %v, want AlreadyExists", err)
	}
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Get() = %+v, want nil", got)
	}
}

func TestStoreCompareAndSetTransitionsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newRecord("job-3")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := s.CompareAndSet(ctx, "job-3", jobmodel.StateQueued, func(r jobmodel.JobRecord) jobmodel.JobRecord {
		r.State = jobmodel.StateProcessing
		now := time.Now()
		r.StartedAt = &now
		return r
	})
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}

	got, _ := s.Get(ctx, "job-3")
	if got.State != jobmodel.StateProcessing {
		t.Fatalf("state = %s, want Processing", got.State)
	}

	queued, err := s.ListByState(ctx, jobmodel.StateQueued, 10)
	if err != nil {
		t.Fatalf("ListByState(Queued) error = %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("ListByState(Queued) = %v, want empty after transition", queued)
	}

	processing, err := s.ListByState(ctx, jobmodel.StateProcessing, 10)
	if err != nil {
		t.Fatalf("ListByState(Processing) error = %v", err)
	}
	if len(processing) != 1 || processing[0] != "job-3" {
		t.Errorf("ListByState(Processing) = %v, want [job-3]", processing)
	}
}

func TestStoreCompareAndSetRejectsStaleExpectedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newRecord("job-4")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := s.CompareAndSet(ctx, "job-4", jobmodel.StateProcessing, func(r jobmodel.JobRecord) jobmodel.JobRecord {
		r.State = jobmodel.StateCompleted
		return r
	})

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodeStateMismatch {
		t.Fatalf("CompareAndSet() error = %v, want StateMismatch", err)
	}

	got, _ := s.Get(ctx, "job-4")
	if got.State != jobmodel.StateQueued {
		t.Fatalf("state = %s, want unchanged Queued", got.State)
	}
}

func TestStoreCompareAndSetMissingJobReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.CompareAndSet(context.Background(), "ghost", jobmodel.StateQueued, func(r jobmodel.JobRecord) jobmodel.JobRecord {
		return r
	})

	var appErr *gkerrors.AppError
	if !errors.As(err, &appErr) || appErr.Code != gkerrors.ErrCodeNotFound {
		t.Fatalf("CompareAndSet() error = %v, want NotFound", err)
	}
}

func TestStoreCompareAndSetRaceOnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newRecord("job-5")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	claim := func() error {
		return s.CompareAndSet(ctx, "job-5", jobmodel.StateQueued, func(r jobmodel.JobRecord) jobmodel.JobRecord {
			r.State = jobmodel.StateProcessing
			return r
		})
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- claim() }()
	}

	var successes, failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes = %d, failures = %d, want exactly one winner", successes, failures)
	}
}

func TestStoreDeleteRemovesRecordAndIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newRecord("job-6")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Delete(ctx, "job-6"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, _ := s.Get(ctx, "job-6")
	if got != nil {
		t.Fatalf("Get() after Delete() = %+v, want nil", got)
	}

	queued, _ := s.ListByState(ctx, jobmodel.StateQueued, 10)
	if len(queued) != 0 {
		t.Errorf("ListByState(Queued) = %v, want empty after Delete()", queued)
	}
}

func TestStoreHeartbeatFreshUntilTTLExpires(t *testing.T) {
	s, mini := newTestStoreWithRedis(t)
	ctx := context.Background()

	fresh, err := s.HeartbeatFresh(ctx)
	if err != nil {
		t.Fatalf("HeartbeatFresh() error = %v", err)
	}
	if fresh {
		t.Fatalf("HeartbeatFresh() = true before any heartbeat, want false")
	}

	if err := s.Heartbeat(ctx, 30*time.Second); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	fresh, err = s.HeartbeatFresh(ctx)
	if err != nil {
		t.Fatalf("HeartbeatFresh() error = %v", err)
	}
	if !fresh {
		t.Fatalf("HeartbeatFresh() = false right after Heartbeat(), want true")
	}

	mini.FastForward(31 * time.Second)
	fresh, err = s.HeartbeatFresh(ctx)
	if err != nil {
		t.Fatalf("HeartbeatFresh() error = %v", err)
	}
	if fresh {
		t.Fatalf("HeartbeatFresh() = true after TTL expired, want false")
	}
}
