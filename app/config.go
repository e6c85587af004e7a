// Package app holds the transcription service's configuration struct and
// the wiring shared by its two entrypoints (cmd/transcribe-server and
// cmd/transcribe-worker).
package app

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	gkconfig "github.com/kbukum/gokit/config"
	"github.com/kbukum/gokit/blobstore"
	"github.com/kbukum/gokit/diarization"
	"github.com/kbukum/gokit/diarization/pyannote"
	"github.com/kbukum/gokit/ratelimit"
	gkredis "github.com/kbukum/gokit/redis"
	"github.com/kbukum/gokit/server"
	"github.com/kbukum/gokit/transcription"
	"github.com/kbukum/gokit/transcription/mock"
	"github.com/kbukum/gokit/transcription/whisper"
	"github.com/kbukum/gokit/transcription/whispercpp"
)

// Config is the full configuration for both entrypoints. The worker binary
// ignores the Server/Server-only fields; the server binary ignores the
// worker-only fields. Both load it the same way so a single QUEUE_BACKEND_URL
// and the shared rate-limit/blob settings stay consistent across processes.
type Config struct {
	gkconfig.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Server server.Config    `yaml:"server" mapstructure:"server"`
	Redis  gkredis.Config   `yaml:"redis" mapstructure:"redis"`
	Blob   blobstore.Config `yaml:"blob" mapstructure:"blob"`

	// QueueBackendURL is the connection string for the Registry/Queue/Cache
	// backing (spec's QUEUE_BACKEND_URL). It is parsed into Redis at
	// ApplyDefaults time, overriding Redis.Addr/Password/DB when set.
	QueueBackendURL string `yaml:"queue_backend_url" mapstructure:"queue_backend_url"`

	// MaxFileSizeMB is the submission cap in megabytes (spec's
	// MAX_FILE_SIZE_MB). Converted into Blob.MaxBytes at ApplyDefaults time.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`

	// UploadDir is the Blob Store root (spec's UPLOAD_DIR). Copied into
	// Blob.BasePath at ApplyDefaults time.
	UploadDir string `yaml:"upload_dir" mapstructure:"upload_dir"`

	// CacheTTLSeconds is the Result Cache entry lifetime.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`

	// JobRetentionSeconds is how long a job record survives past finished_at
	// before the janitor's job reaper deletes it.
	JobRetentionSeconds int `yaml:"job_retention_seconds" mapstructure:"job_retention_seconds"`

	// WorkerConcurrency is the number of execution slots per worker process.
	WorkerConcurrency int `yaml:"worker_concurrency" mapstructure:"worker_concurrency"`

	// WorkerJobsBeforeRestart is the self-recycle threshold. Values <= 0 take
	// the default of 50.
	WorkerJobsBeforeRestart int `yaml:"worker_jobs_before_restart" mapstructure:"worker_jobs_before_restart"`

	// TranscribeTimeoutSeconds is the hard ceiling per job.
	TranscribeTimeoutSeconds int `yaml:"transcribe_timeout_seconds" mapstructure:"transcribe_timeout_seconds"`

	// SubmitRatePerMin and PollRatePerMin override the default rate-limit
	// bucket refill rates (burst capacity equals the rate).
	SubmitRatePerMin int `yaml:"submit_rate_per_min" mapstructure:"submit_rate_per_min"`
	PollRatePerMin   int `yaml:"poll_rate_per_min" mapstructure:"poll_rate_per_min"`

	// Janitor intervals, in seconds. Zero means use the spec default.
	BlobSweepIntervalSeconds    int `yaml:"blob_sweep_interval_seconds" mapstructure:"blob_sweep_interval_seconds"`
	JobReaperIntervalSeconds    int `yaml:"job_reaper_interval_seconds" mapstructure:"job_reaper_interval_seconds"`
	DepthSamplerIntervalSeconds int `yaml:"depth_sampler_interval_seconds" mapstructure:"depth_sampler_interval_seconds"`

	// WhisperURL points the worker at a faster-whisper HTTP sidecar. Empty
	// means no sidecar is configured and the worker falls back to the
	// canned-transcript mock engine (local dev / tests).
	WhisperURL   string `yaml:"whisper_url" mapstructure:"whisper_url"`
	WhisperModel string `yaml:"whisper_model" mapstructure:"whisper_model"`

	// WhisperCLIPath/WhisperCLIModelPath select the local whisper.cpp binary
	// engine instead of the HTTP sidecar. Checked before WhisperURL, since a
	// worker configured with both is assumed to prefer running in-process.
	WhisperCLIPath      string `yaml:"whisper_cli_path" mapstructure:"whisper_cli_path"`
	WhisperCLIModelPath string `yaml:"whisper_cli_model_path" mapstructure:"whisper_cli_model_path"`

	// PyannoteURL points the worker at a speaker-diarization HTTP sidecar.
	// Empty disables speaker enrichment entirely.
	PyannoteURL string `yaml:"pyannote_url" mapstructure:"pyannote_url"`

	// TracingEndpoint is the OTLP/HTTP collector address (host:port). Empty
	// disables tracing entirely; no collector is assumed to be present by
	// default in local dev or tests.
	TracingEndpoint string `yaml:"tracing_endpoint" mapstructure:"tracing_endpoint"`
}

// ApplyDefaults fills in every unset field, including parsing
// QueueBackendURL into the Redis config.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	if c.Name == "" {
		c.Name = "transcription-service"
	}

	if c.QueueBackendURL != "" {
		if opts, err := goredis.ParseURL(c.QueueBackendURL); err == nil {
			c.Redis.Addr = opts.Addr
			c.Redis.Password = opts.Password
			c.Redis.DB = opts.DB
		}
	}
	c.Redis.Enabled = true
	c.Redis.ApplyDefaults()

	if c.MaxFileSizeMB > 0 {
		// A little headroom over the audio cap itself for multipart framing
		// (boundary markers, part headers, the recognized option fields),
		// so the body-size limit rejects on file size, not on overhead.
		c.Server.MaxBodySize = fmt.Sprintf("%dMB", c.MaxFileSizeMB+1)
	}
	c.Server.ApplyDefaults()
	if c.UploadDir != "" {
		c.Blob.BasePath = c.UploadDir
	}
	if c.MaxFileSizeMB > 0 {
		c.Blob.MaxBytes = int64(c.MaxFileSizeMB) * 1024 * 1024
	}
	c.Blob.ApplyDefaults()

	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 60 * 60
	}
	if c.JobRetentionSeconds <= 0 {
		c.JobRetentionSeconds = 24 * 60 * 60
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
	if c.WorkerJobsBeforeRestart <= 0 {
		c.WorkerJobsBeforeRestart = 50
	}
	if c.TranscribeTimeoutSeconds <= 0 {
		c.TranscribeTimeoutSeconds = 10 * 60
	}
	if c.SubmitRatePerMin <= 0 {
		c.SubmitRatePerMin = 10
	}
	if c.PollRatePerMin <= 0 {
		c.PollRatePerMin = 60
	}
	if c.BlobSweepIntervalSeconds <= 0 {
		c.BlobSweepIntervalSeconds = 10 * 60
	}
	if c.JobReaperIntervalSeconds <= 0 {
		c.JobReaperIntervalSeconds = 15 * 60
	}
	if c.DepthSamplerIntervalSeconds <= 0 {
		c.DepthSamplerIntervalSeconds = 30
	}
}

// Validate checks the full configuration, delegating to each embedded
// component's own Validate.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be >= 1 (got: %d)", c.WorkerConcurrency)
	}
	return nil
}

// RateLimitConfig builds the per-bucket rate-limit configuration from the
// submit/poll rates, matching ratelimit.DefaultConfig's capacity=rate shape.
func (c *Config) RateLimitConfig() map[ratelimit.Bucket]ratelimit.BucketConfig {
	return map[ratelimit.Bucket]ratelimit.BucketConfig{
		ratelimit.BucketSubmit: {Capacity: c.SubmitRatePerMin, RefillPerMinute: c.SubmitRatePerMin},
		ratelimit.BucketPoll:   {Capacity: c.PollRatePerMin, RefillPerMinute: c.PollRatePerMin},
	}
}

// CacheTTL returns CacheTTLSeconds as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// JobRetention returns JobRetentionSeconds as a time.Duration.
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionSeconds) * time.Second
}

// TranscribeTimeout returns TranscribeTimeoutSeconds as a time.Duration.
func (c *Config) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutSeconds) * time.Second
}

// BuildTranscriptionProvider returns the local whisper.cpp engine when
// WhisperCLIPath is set, else the whisper sidecar provider when WhisperURL is
// set, otherwise the canned-transcript mock engine.
func (c *Config) BuildTranscriptionProvider() transcription.Provider {
	switch {
	case c.WhisperCLIPath != "":
		return whispercpp.NewProvider(whispercpp.Config{
			BinaryPath: c.WhisperCLIPath,
			ModelPath:  c.WhisperCLIModelPath,
		})
	case c.WhisperURL != "":
		return whisper.NewProvider(whisper.Config{URL: c.WhisperURL, Model: c.WhisperModel})
	default:
		return mock.NewProvider(transcription.TranscriptionResponse{
			Text: "this is a canned transcript from the mock transcription engine",
		})
	}
}

// BuildDiarizationProvider returns the pyannote sidecar provider when
// PyannoteURL is set, otherwise nil (speaker enrichment disabled).
func (c *Config) BuildDiarizationProvider() diarization.Provider {
	if c.PyannoteURL == "" {
		return nil
	}
	return pyannote.NewProvider(pyannote.Config{BaseURL: c.PyannoteURL})
}
