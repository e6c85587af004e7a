package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kbukum/gokit/blobstore"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	gkredis "github.com/kbukum/gokit/redis"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/workqueue"
)

func newTestJanitor(t *testing.T, cfg Config) (*Janitor, *registry.Store, *workqueue.Queue) {
	t.Helper()

	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	rcfg := gkredis.Config{Enabled: true, Addr: mini.Addr()}
	rcfg.ApplyDefaults()
	client, err := gkredis.New(rcfg, logger.NewDefault("janitor-test"))
	if err != nil {
		t.Fatalf("failed to create redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	dir := t.TempDir()
	blobs, err := blobstore.New(blobstore.Config{BasePath: dir, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}

	reg := registry.New(client)
	queue := workqueue.New(client)
	_ = resultcache.New(client, 0)
	metrics := telemetry.New()

	j := New(cfg, blobs, reg, queue, metrics, logger.NewDefault("janitor-test"))
	return j, reg, queue
}

func TestReapJobsDeletesOldTerminalRecords(t *testing.T) {
	j, reg, _ := newTestJanitor(t, Config{JobRetention: time.Minute})

	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	oldRec := jobmodel.JobRecord{
		JobID: "old-job", State: jobmodel.StateCompleted, Fingerprint: "fp-old",
		Filename: "a.wav", SubmittedAt: old, FinishedAt: &old,
	}
	recentRec := jobmodel.JobRecord{
		JobID: "recent-job", State: jobmodel.StateCompleted, Fingerprint: "fp-recent",
		Filename: "b.wav", SubmittedAt: recent, FinishedAt: &recent,
	}

	ctx := context.Background()
	if err := reg.Create(ctx, oldRec); err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	if err := reg.Create(ctx, recentRec); err != nil {
		t.Fatalf("Create(recent) error = %v", err)
	}

	j.reapJobs(ctx)

	if rec, _ := reg.Get(ctx, "old-job"); rec != nil {
		t.Fatalf("old-job still present after reap")
	}
	if rec, _ := reg.Get(ctx, "recent-job"); rec == nil {
		t.Fatalf("recent-job was reaped but should have survived")
	}
}

func TestSampleDepthPublishesGauge(t *testing.T) {
	j, _, queue := newTestJanitor(t, Config{})

	ctx := context.Background()
	if err := queue.Push(ctx, "job-x"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	j.sampleDepth(ctx)

	if got := testutil.ToFloat64(j.metrics.QueueDepth); got != 1 {
		t.Fatalf("queue depth gauge = %v, want 1", got)
	}
}

func TestStartStopReportsHealth(t *testing.T) {
	j, _, _ := newTestJanitor(t, Config{
		BlobSweepInterval:    time.Hour,
		JobReaperInterval:    time.Hour,
		DepthSamplerInterval: time.Hour,
	})

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h := j.Health(context.Background()); h.Status != "healthy" {
		t.Fatalf("health = %v, want healthy", h.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
