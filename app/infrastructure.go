package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kbukum/gokit/blobstore"
	"github.com/kbukum/gokit/component"
	"github.com/kbukum/gokit/janitor"
	"github.com/kbukum/gokit/logger"
	"github.com/kbukum/gokit/observability"
	gkredis "github.com/kbukum/gokit/redis"
	"github.com/kbukum/gokit/registry"
	"github.com/kbukum/gokit/resultcache"
	"github.com/kbukum/gokit/telemetry"
	"github.com/kbukum/gokit/worker"
	"github.com/kbukum/gokit/workqueue"
)

// Infrastructure is the shared Redis-backed plumbing (Job Registry, Result
// Cache, Work Queue, Blob Store, metrics) both entrypoints build the same
// way from the same Config, so a single QUEUE_BACKEND_URL produces
// consistent wiring whether it's read by transcribe-server or
// transcribe-worker.
type Infrastructure struct {
	Redis    *gkredis.Client
	Blobs    *blobstore.Store
	Registry *registry.Store
	Cache    *resultcache.Cache
	Queue    *workqueue.Queue
	Metrics  *telemetry.Metrics
}

// NewInfrastructure connects to Redis and builds every layer on top of it.
// It pings Redis eagerly so startup fails fast on a bad QUEUE_BACKEND_URL
// rather than surfacing the error on the first request.
func NewInfrastructure(cfg *Config, log *logger.Logger) (*Infrastructure, error) {
	client, err := gkredis.New(cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("app: connect redis: %w", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}

	blobs, err := blobstore.New(cfg.Blob)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: create blob store: %w", err)
	}

	return &Infrastructure{
		Redis:    client,
		Blobs:    blobs,
		Registry: registry.New(client),
		Cache:    resultcache.New(client, cfg.CacheTTL()),
		Queue:    workqueue.New(client),
		Metrics:  telemetry.New(),
	}, nil
}

// Close releases the Redis connection. Called from the infrastructure
// component's Stop.
func (i *Infrastructure) Close() error {
	return i.Redis.Close()
}

// Component wraps Infrastructure's already-connected Redis client as a
// component.Component, so its health is reported and its connection is
// closed on graceful shutdown alongside every other component — without
// redis.Component's Start reopening a second connection on top of the one
// NewInfrastructure already verified.
func (i *Infrastructure) Component() component.Component {
	return &infraComponent{infra: i}
}

type infraComponent struct {
	infra *Infrastructure
}

func (c *infraComponent) Name() string { return "infrastructure" }

func (c *infraComponent) Start(_ context.Context) error { return nil }

func (c *infraComponent) Stop(_ context.Context) error {
	return c.infra.Close()
}

func (c *infraComponent) Health(ctx context.Context) component.Health {
	if err := c.infra.Redis.Ping(ctx); err != nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: err.Error()}
	}
	return component.Health{Name: c.Name(), Status: component.StatusHealthy}
}

// JanitorConfig builds the janitor's Config from the shared Config.
func (c *Config) JanitorConfig() janitor.Config {
	return janitor.Config{
		BlobSweepInterval:    secondsToDuration(c.BlobSweepIntervalSeconds),
		JobReaperInterval:    secondsToDuration(c.JobReaperIntervalSeconds),
		DepthSamplerInterval: secondsToDuration(c.DepthSamplerIntervalSeconds),
		JobRetention:         c.JobRetention(),
	}
}

// WorkerConfig builds the worker pool's Config from the shared Config.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Concurrency:       c.WorkerConcurrency,
		JobsBeforeRestart: c.WorkerJobsBeforeRestart,
		TranscribeTimeout: c.TranscribeTimeout(),
	}
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// TracerConfig builds the OpenTelemetry tracer config from the shared
// Config. Callers should check TracingEndpoint themselves before calling
// observability.InitTracer, since an empty endpoint means tracing is
// disabled rather than pointed at a collector.
func (c *Config) TracerConfig() observability.TracerConfig {
	cfg := observability.DefaultTracerConfig(c.Name)
	cfg.ServiceVersion = c.Version
	cfg.Environment = c.Environment
	cfg.Endpoint = c.TracingEndpoint
	return cfg
}
