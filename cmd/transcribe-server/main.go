// Command transcribe-server runs the HTTP surface: submission, status
// polling, result retrieval, and job cancellation. It shares its Redis
// backing and configuration shape with cmd/transcribe-worker so either
// binary can be scaled independently.
package main

import (
	"context"
	"fmt"
	"os"

	gkconfig "github.com/kbukum/gokit/config"

	"github.com/kbukum/gokit/app"
	"github.com/kbukum/gokit/bootstrap"
	"github.com/kbukum/gokit/observability"
	"github.com/kbukum/gokit/polling"
	"github.com/kbukum/gokit/ratelimit"
	"github.com/kbukum/gokit/server"
	"github.com/kbukum/gokit/server/middleware"
	"github.com/kbukum/gokit/submission"
	"github.com/kbukum/gokit/telemetry"
)

func main() {
	var cfg app.Config
	if err := gkconfig.LoadConfig("transcribe-server", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-server: load config: %v\n", err)
		os.Exit(1)
	}

	bootApp, err := bootstrap.NewApp[*app.Config](&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-server: bootstrap: %v\n", err)
		os.Exit(1)
	}

	infra, err := app.NewInfrastructure(&cfg, bootApp.Logger)
	if err != nil {
		bootApp.Logger.Fatal("failed to build infrastructure", map[string]interface{}{"error": err.Error()})
	}

	if cfg.TracingEndpoint != "" {
		tracerProvider, err := observability.InitTracer(context.Background(), cfg.TracerConfig())
		if err != nil {
			bootApp.Logger.Warn("tracing disabled: failed to init tracer provider", map[string]interface{}{"error": err.Error()})
		} else {
			bootApp.OnStop(func(ctx context.Context) error { return tracerProvider.Shutdown(ctx) })
		}
	}

	limiter := ratelimit.New(cfg.RateLimitConfig())
	submit := submission.New(infra.Blobs, infra.Registry, infra.Cache, infra.Queue, infra.Metrics, bootApp.Logger)
	poll := polling.New(infra.Registry, infra.Cache, bootApp.Logger)

	srv := server.New(cfg.Server, bootApp.Logger)
	srv.ApplyDefaults(cfg.Name, bootApp.Components.HealthAll, infra.Metrics.Handler())

	engine := srv.GinEngine()
	engine.GET("/health", infra.HealthHandler())
	engine.GET("/stats", telemetry.StatsHandler(func() telemetry.Stats {
		depth, _ := infra.Queue.Depth(context.Background())
		processing, _ := infra.Queue.ProcessingDepth(context.Background())
		return telemetry.Stats{QueueDepth: depth, InProgress: int(processing)}
	}))

	engine.POST("/transcribe",
		middleware.RateLimit(limiter, ratelimit.BucketSubmit, middleware.IPBasedKey),
		submit.Transcribe,
	)
	pollGroup := engine.Group("", middleware.RateLimit(limiter, ratelimit.BucketPoll, middleware.IPBasedKey))
	pollGroup.GET("/status/:job_id", poll.Status)
	pollGroup.GET("/result/:job_id", poll.Result)
	pollGroup.DELETE("/job/:job_id", poll.Cancel)

	if err := bootApp.RegisterComponent(infra.Component()); err != nil {
		bootApp.Logger.Fatal("failed to register infrastructure component", map[string]interface{}{"error": err.Error()})
	}
	if err := bootApp.RegisterComponent(server.NewComponent(srv)); err != nil {
		bootApp.Logger.Fatal("failed to register server component", map[string]interface{}{"error": err.Error()})
	}

	if err := bootApp.Run(context.Background()); err != nil {
		bootApp.Logger.Fatal("transcribe-server exited with error", map[string]interface{}{"error": err.Error()})
	}
}
