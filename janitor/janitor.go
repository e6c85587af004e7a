// Package janitor runs the background maintenance loops that keep the Blob
// Store, Job Registry, and queue-depth gauges from growing unbounded or
// going stale: a blob sweep, a job-record reaper, and a queue-depth
// sampler, each on its own ticker.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/gokit/blobstore"
	"github.com/kbukum/gokit/component"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/workqueue"
)

// terminalStates lists the states the reaper and blob sweep consider
// eligible for cleanup.
var terminalStates = []jobmodel.State{
	jobmodel.StateCompleted,
	jobmodel.StateFailed,
	jobmodel.StateCancelled,
}

// Config controls the three maintenance intervals and the retention window
// applied by the reaper and blob sweep.
type Config struct {
	BlobSweepInterval    time.Duration
	JobReaperInterval    time.Duration
	DepthSamplerInterval time.Duration
	JobRetention         time.Duration
}

// ApplyDefaults fills in the conventional cadence for each loop.
func (c *Config) ApplyDefaults() {
	if c.BlobSweepInterval <= 0 {
		c.BlobSweepInterval = 10 * time.Minute
	}
	if c.JobReaperInterval <= 0 {
		c.JobReaperInterval = 15 * time.Minute
	}
	if c.DepthSamplerInterval <= 0 {
		c.DepthSamplerInterval = 30 * time.Second
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
}

// Janitor is the component.Component running the three maintenance loops.
type Janitor struct {
	cfg     Config
	blobs   *blobstore.Store
	reg     *registry.Store
	queue   *workqueue.Queue
	metrics *telemetry.Metrics
	log     *logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Janitor.
func New(cfg Config, blobs *blobstore.Store, reg *registry.Store, queue *workqueue.Queue, metrics *telemetry.Metrics, log *logger.Logger) *Janitor {
	cfg.ApplyDefaults()
	return &Janitor{
		cfg:     cfg,
		blobs:   blobs,
		reg:     reg,
		queue:   queue,
		metrics: metrics,
		log:     log.WithComponent("janitor"),
	}
}

var _ component.Component = (*Janitor)(nil)

// Name satisfies component.Component.
func (j *Janitor) Name() string { return "janitor" }

// Start launches the three ticker loops in their own goroutines.
func (j *Janitor) Start(_ context.Context) error {
	j.stop = make(chan struct{})

	j.wg.Add(3)
	go j.runLoop("blob-sweep", j.cfg.BlobSweepInterval, j.sweepBlobs)
	go j.runLoop("job-reaper", j.cfg.JobReaperInterval, j.reapJobs)
	go j.runLoop("depth-sampler", j.cfg.DepthSamplerInterval, j.sampleDepth)

	j.log.Info("janitor started", map[string]interface{}{
		"blob_sweep_interval":    j.cfg.BlobSweepInterval.String(),
		"job_reaper_interval":    j.cfg.JobReaperInterval.String(),
		"depth_sampler_interval": j.cfg.DepthSamplerInterval.String(),
	})
	return nil
}

// Stop signals all three loops to exit and waits for them, bounded by ctx's
// deadline.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.stop == nil {
		return nil
	}
	close(j.stop)

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Health reports healthy as long as the loops have been started; the loops
// themselves never observably fail since every tick is best-effort.
func (j *Janitor) Health(_ context.Context) component.Health {
	if j.stop == nil {
		return component.Health{Name: j.Name(), Status: component.StatusUnhealthy, Message: "not started"}
	}
	return component.Health{Name: j.Name(), Status: component.StatusHealthy}
}

func (j *Janitor) runLoop(name string, interval time.Duration, tick func(ctx context.Context)) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			tick(ctx)
			cancel()
			_ = name
		}
	}
}

// sweepBlobs deletes blobs whose job has reached a terminal state (any age),
// or that have simply aged past the retention window regardless of state.
// The latter catches orphaned blobs and jobs stuck short of a terminal
// state. isTerminal consults the registry, treating a missing record as an
// already-reaped, orphaned job.
func (j *Janitor) sweepBlobs(ctx context.Context) {
	isTerminal := func(jobID string) bool {
		rec, err := j.reg.Get(ctx, jobID)
		if err != nil {
			return false
		}
		if rec == nil {
			return true // registry record already reaped; blob is orphaned
		}
		return rec.State.Terminal()
	}

	n, err := j.blobs.Sweep(ctx, j.cfg.JobRetention, isTerminal)
	if err != nil {
		j.log.Warn("blob sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		j.log.Info("blob sweep completed", map[string]interface{}{"deleted": n})
	}
}

// reapJobs deletes job records that finished more than JobRetention ago, so
// the registry's by-state sorted sets don't grow without bound.
func (j *Janitor) reapJobs(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.JobRetention)
	reaped := 0

	for _, state := range terminalStates {
		ids, err := j.reg.ListByState(ctx, state, 1000)
		if err != nil {
			j.log.Warn("job reaper list failed", map[string]interface{}{"state": string(state), "error": err.Error()})
			continue
		}
		for _, jobID := range ids {
			rec, err := j.reg.Get(ctx, jobID)
			if err != nil || rec == nil {
				continue
			}
			if rec.FinishedAt == nil || rec.FinishedAt.After(cutoff) {
				continue
			}
			if err := j.reg.Delete(ctx, jobID); err != nil {
				j.log.Warn("job reaper delete failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
				continue
			}
			reaped++
		}
	}

	if reaped > 0 {
		j.log.Info("job reaper completed", map[string]interface{}{"reaped": reaped})
	}
}

// sampleDepth publishes the current queue depth to the QueueDepth gauge.
func (j *Janitor) sampleDepth(ctx context.Context) {
	depth, err := j.queue.Depth(ctx)
	if err != nil {
		j.log.Warn("depth sampler failed", map[string]interface{}{"error": err.Error()})
		return
	}
	j.metrics.QueueDepth.Set(float64(depth))
}
