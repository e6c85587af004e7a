// Command transcribe-worker runs the job execution pool and the
// housekeeping janitor (blob sweep, job reaper, queue-depth sampler). It
// shares its Redis backing and configuration shape with cmd/transcribe-server
// so either binary can be scaled independently.
package main

import (
	"context"
	"fmt"
	"os"

	gkconfig "github.com/kbukum/gokit/config"

	"github.com/kbukum/gokit/app"
	"github.com/kbukum/gokit/bootstrap"
	"github.com/kbukum/gokit/janitor"
	"github.com/kbukum/gokit/observability"
	"github.com/kbukum/gokit/worker"
)

func main() {
	var cfg app.Config
	if err := gkconfig.LoadConfig("transcribe-worker", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-worker: load config: %v\n", err)
		os.Exit(1)
	}

	bootApp, err := bootstrap.NewApp[*app.Config](&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-worker: bootstrap: %v\n", err)
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

	engine := cfg.BuildTranscriptionProvider()
	diarizer := cfg.BuildDiarizationProvider()

	pool := worker.New(cfg.WorkerConfig(), infra.Queue, infra.Registry, infra.Blobs, infra.Cache, engine, diarizer, infra.Metrics, bootApp.Logger)
	clean := janitor.New(cfg.JanitorConfig(), infra.Blobs, infra.Registry, infra.Queue, infra.Metrics, bootApp.Logger)

	if err := bootApp.RegisterComponent(infra.Component()); err != nil {
		bootApp.Logger.Fatal("failed to register infrastructure component", map[string]interface{}{"error": err.Error()})
	}
	if err := bootApp.RegisterComponent(pool); err != nil {
		bootApp.Logger.Fatal("failed to register worker pool", map[string]interface{}{"error": err.Error()})
	}
	if err := bootApp.RegisterComponent(clean); err != nil {
		bootApp.Logger.Fatal("failed to register janitor", map[string]interface{}{"error": err.Error()})
	}

	if err := bootApp.Run(context.Background()); err != nil {
		bootApp.Logger.Fatal("transcribe-worker exited with error", map[string]interface{}{"error": err.Error()})
	}
}
