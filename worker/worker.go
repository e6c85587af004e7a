// Package worker runs the execution slots that pull job ids off the Work
// Queue, claim them via Registry CAS, run them through the transcription
// engine, and publish the outcome back to the Result Cache and Registry.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/gokit/blobstore"
	"github.com/kbukum/gokit/component"
	"github.com/kbukum/gokit/diarization"
	gkerrors "github.com/kbukum/gokit/errors"
	"github.com/kbukum/gokit/jobmodel"
	"github.com/kbukum/gokit/logger"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/transcription"
	"github.com/kbukum/gokit/workqueue"
)

// Config controls the size and timing of a worker Pool.
type Config struct {
	// Concurrency is the number of execution slots (spec's N).
	Concurrency int
	// JobsBeforeRestart is the self-recycle threshold. Values <= 0 take the
	// default of 50.
	JobsBeforeRestart int
	// ReserveTimeout bounds each queue reserve call.
	ReserveTimeout time.Duration
	// TranscribeTimeout is the hard per-job ceiling.
	TranscribeTimeout time.Duration
	// RetryCap is the maximum attempt count before a transient failure
	// becomes terminal.
	RetryCap int
	// CancelPollInterval is how often a slot polls the registry for a
	// cancellation tombstone while a job is running.
	CancelPollInterval time.Duration
	// HeartbeatInterval is how often the pool refreshes its liveness
	// heartbeat in the registry, for the health endpoint's
	// worker_heartbeat_fresh field.
	HeartbeatInterval time.Duration
}

// ApplyDefaults fills in the spec's stated defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.JobsBeforeRestart <= 0 {
		c.JobsBeforeRestart = 50
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = 5 * time.Second
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 10 * time.Minute
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 3
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

// Pool runs Config.Concurrency execution slots against shared infrastructure.
// It implements component.Component so it starts and stops alongside the
// rest of the worker process via bootstrap.App.
type Pool struct {
	cfg Config

	queue    *workqueue.Queue
	reg      *registry.Store
	blobs    *blobstore.Store
	cache    *resultcache.Cache
	engine   transcription.Provider
	diarizer diarization.Provider // optional, may be nil
	metrics  *telemetry.Metrics
	log      *logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running int
}

// New creates a worker Pool. diarizer may be nil to disable speaker
// enrichment.
func New(cfg Config, queue *workqueue.Queue, reg *registry.Store, blobs *blobstore.Store, cache *resultcache.Cache, engine transcription.Provider, diarizer diarization.Provider, metrics *telemetry.Metrics, log *logger.Logger) *Pool {
	cfg.ApplyDefaults()
	return &Pool{
		cfg:      cfg,
		queue:    queue,
		reg:      reg,
		blobs:    blobs,
		cache:    cache,
		engine:   engine,
		diarizer: diarizer,
		metrics:  metrics,
		log:      log.WithComponent("worker"),
		stop:     make(chan struct{}),
	}
}

var _ component.Component = (*Pool)(nil)

// Name satisfies component.Component.
func (p *Pool) Name() string { return "worker-pool" }

// Start launches every execution slot and the liveness heartbeat.
func (p *Pool) Start(_ context.Context) error {
	for i := 0; i < p.cfg.Concurrency; i++ {
		slotID := i
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runSlot(slotID)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runHeartbeat()
	}()
	p.log.Info("worker pool started", map[string]interface{}{"slots": p.cfg.Concurrency})
	return nil
}

// runHeartbeat refreshes the registry's liveness key until the pool stops.
func (p *Pool) runHeartbeat() {
	ttl := 3 * p.cfg.HeartbeatInterval
	if err := p.reg.Heartbeat(context.Background(), ttl); err != nil {
		p.log.Warn("heartbeat write failed", map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.reg.Heartbeat(context.Background(), ttl); err != nil {
				p.log.Warn("heartbeat write failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Stop signals every slot to exit its loop and waits for them to drain,
// bounded by ctx's deadline.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports the pool as healthy whenever at least one slot is active,
// degraded if none are (e.g. mid-shutdown), matching observability.ServiceHealth
// conventions.
func (p *Pool) Health(_ context.Context) component.Health {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if running == 0 {
		return component.Health{Name: p.Name(), Status: component.StatusDegraded, Message: "no active slots"}
	}
	return component.Health{Name: p.Name(), Status: component.StatusHealthy}
}

// ActiveSlots reports how many slots are currently mid-job, for the
// telemetry surface's /stats endpoint.
func (p *Pool) ActiveSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// runSlot is one execution slot's cooperative loop (spec §4.8 steps 1-7).
// Self-recycling after JobsBeforeRestart jobs is logged but does not tear
// down the goroutine: unlike a forked worker_max_tasks_per_child process,
// a Go slot has no per-process state worth discarding, so the "restart" is
// a checkpoint, not a correctness mechanism.
func (p *Pool) runSlot(slotID int) {
	processed := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		jobID, err := p.queue.Reserve(context.Background(), p.cfg.ReserveTimeout)
		if err != nil {
			continue // ErrEmpty on timeout, or a transient queue error; retry the loop either way
		}

		p.runJob(slotID, jobID)
		processed++

		if p.cfg.JobsBeforeRestart > 0 && processed >= p.cfg.JobsBeforeRestart {
			p.log.Info("slot reached self-recycle threshold", map[string]interface{}{
				"slot": slotID, "jobs_processed": processed,
			})
			processed = 0
		}
	}
}

func (p *Pool) runJob(slotID int, jobID string) {
	ctx := context.Background()

	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	claimed := false
	err := p.reg.CompareAndSet(ctx, jobID, jobmodel.StateQueued, func(j jobmodel.JobRecord) jobmodel.JobRecord {
		now := time.Now().UTC()
		j.State = jobmodel.StateProcessing
		j.StartedAt = &now
		j.Attempt++
		claimed = true
		return j
	})
	if err != nil || !claimed {
		// Lost the CAS race (another slot got there first) or the job was
		// cancelled while queued. Either way there's nothing for this slot
		// to do; acknowledge delivery and move on.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	p.metrics.InProgress.Inc()
	defer p.metrics.InProgress.Dec()

	rec, err := p.reg.Get(ctx, jobID)
	if err != nil || rec == nil {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	blob, err := p.blobs.Open(ctx, jobID)
	if err != nil {
		p.failJob(ctx, jobID, gkerrors.ErrCodeBlobMissing, "audio blob missing")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	defer blob.Close() //nolint:errcheck

	start := time.Now()
	transcript, runErr := p.transcribeWithCancellation(ctx, jobID, *rec)
	duration := time.Since(start)

	if runErr != nil {
		p.handleFailure(ctx, jobID, *rec, runErr)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	transcript.ProcessingTime = duration.Seconds()

	p.metrics.DurationSeconds.Observe(duration.Seconds())

	if err := p.cache.Put(ctx, rec.Fingerprint, *transcript); err != nil {
		p.handleFailure(ctx, jobID, *rec, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	completeErr := p.reg.CompareAndSet(ctx, jobID, jobmodel.StateProcessing, func(j jobmodel.JobRecord) jobmodel.JobRecord {
		now := time.Now().UTC()
		j.State = jobmodel.StateCompleted
		j.FinishedAt = &now
		j.ResultHandle = rec.Fingerprint
		j.ErrorKind = ""
		j.ErrorMessage = ""
		return j
	})
	if completeErr != nil {
		p.log.Error("failed to mark job completed after successful transcription", map[string]interface{}{
			"job_id": jobID, "error": completeErr.Error(),
		})
	}

	_ = p.blobs.Delete(ctx, jobID)
	_ = p.queue.Ack(ctx, jobID)

	p.log.Debug("job completed", map[string]interface{}{"job_id": jobID, "slot": slotID, "duration_seconds": duration.Seconds()})
}

// transcribeWithCancellation invokes the engine with a context that the
// worker trips as soon as it observes the job's registry record carrying a
// Cancelled state, polling at Config.CancelPollInterval, and enforces the
// hard per-job ceiling via context.WithTimeout.
func (p *Pool) transcribeWithCancellation(parent context.Context, jobID string, rec jobmodel.JobRecord) (*jobmodel.Transcript, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.TranscribeTimeout)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-ticker.C:
				current, err := p.reg.Get(ctx, jobID)
				if err == nil && current != nil && current.State == jobmodel.StateCancelled {
					cancel()
					return
				}
			}
		}
	}()
	defer close(watchDone)

	req := transcription.TranscriptionRequest{
		AudioPath: p.blobs.Path(jobID),
		Language:  rec.Options.Language,
	}

	resp, err := p.engine.Transcribe(ctx, req)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return nil, gkerrors.Timeout("transcribe")
		case context.Canceled:
			return nil, gkerrors.Cancelled(jobID)
		default:
			return nil, gkerrors.EngineError(p.engine.Name(), err)
		}
	}

	transcript := &jobmodel.Transcript{
		Language:           resp.Language,
		LanguageConfidence: resp.LanguageProbability,
		AudioDuration:      resp.Duration,
		Text:               resp.Text,
		Segments:           convertSegments(resp.Segments),
	}

	if p.diarizer != nil {
		p.enrichWithSpeakers(ctx, jobID, transcript)
	}

	return transcript, nil
}

// enrichWithSpeakers attaches speaker labels from the diarization provider.
// Failure here is always best-effort: it never fails the job.
func (p *Pool) enrichWithSpeakers(ctx context.Context, jobID string, transcript *jobmodel.Transcript) {
	resp, err := p.diarizer.Diarize(ctx, diarization.DiarizationRequest{AudioPath: p.blobs.Path(jobID)})
	if err != nil {
		p.log.Warn("diarization enrichment failed", map[string]interface{}{"job_id": jobID, "error": err.Error()})
		return
	}
	for i := range transcript.Segments {
		for _, s := range resp.Segments {
			if transcript.Segments[i].Start >= s.Start && transcript.Segments[i].Start < s.End {
				transcript.Segments[i].Speaker = s.Speaker
				break
			}
		}
	}
}

func convertSegments(in []transcription.Segment) []jobmodel.Segment {
	out := make([]jobmodel.Segment, 0, len(in))
	for _, s := range in {
		out = append(out, jobmodel.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: s.LogProbability,
		})
	}
	return out
}

// handleFailure classifies runErr and either requeues the job for another
// attempt (transient, under the retry cap) or marks it terminally Failed.
func (p *Pool) handleFailure(ctx context.Context, jobID string, rec jobmodel.JobRecord, runErr error) {
	appErr, _ := gkerrors.AsAppError(runErr)
	code := gkerrors.ErrCodeEngineError
	message := runErr.Error()
	retryable := true
	if appErr != nil {
		code = appErr.Code
		message = appErr.Message
		retryable = appErr.Retryable
	}

	if code == gkerrors.ErrCodeCancelled {
		_ = p.reg.CompareAndSet(ctx, jobID, jobmodel.StateProcessing, func(j jobmodel.JobRecord) jobmodel.JobRecord {
			now := time.Now().UTC()
			j.State = jobmodel.StateCancelled
			j.FinishedAt = &now
			j.ErrorKind = ""
			j.ErrorMessage = ""
			return j
		})
		return
	}

	if code == gkerrors.ErrCodeTimeout {
		p.failJob(ctx, jobID, code, message)
		return
	}

	if retryable && rec.Attempt < p.cfg.RetryCap {
		if err := p.reg.CompareAndSet(ctx, jobID, jobmodel.StateProcessing, func(j jobmodel.JobRecord) jobmodel.JobRecord {
			j.State = jobmodel.StateQueued
			j.StartedAt = nil
			return j
		}); err == nil {
			_ = p.queue.Push(ctx, jobID)
			return
		}
	}

	p.failJob(ctx, jobID, code, message)
}

func (p *Pool) failJob(ctx context.Context, jobID string, kind gkerrors.ErrorCode, message string) {
	_ = p.reg.CompareAndSet(ctx, jobID, jobmodel.StateProcessing, func(j jobmodel.JobRecord) jobmodel.JobRecord {
		now := time.Now().UTC()
		j.State = jobmodel.StateFailed
		j.FinishedAt = &now
		j.ErrorKind = kind
		j.ErrorMessage = message
		return j
	})
}
