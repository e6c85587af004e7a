// Package whispercpp implements transcription.Provider by shelling out to a
// local whisper.cpp binary, for deployments that run the model in-process
// on the worker host rather than behind an HTTP sidecar.
package whispercpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kbukum/gokit/process"
	"github.com/kbukum/gokit/provider"
	"github.com/kbukum/gokit/transcription"
)

// ProviderName is the registered name for the local CLI provider.
const ProviderName = "whisper-cpp"

// Config configures the whisper.cpp CLI invocation.
type Config struct {
	// BinaryPath is the path to the whisper-cli / main executable.
	BinaryPath string
	// ModelPath is the .bin model file passed via -m.
	ModelPath string
	// Resilience wraps each invocation with a circuit breaker / retry,
	// useful since a crashing local binary is otherwise indistinguishable
	// from a slow one.
	Resilience provider.ResilienceConfig
}

// Provider runs whisper.cpp as a subprocess per request and parses its
// JSON output (-oj) into a transcription.TranscriptionResponse.
type Provider struct {
	cfg    Config
	runner *process.Runner
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg, runner: process.NewRunner(cfg.Resilience)}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) IsAvailable(_ context.Context) bool {
	if p.cfg.BinaryPath == "" || p.cfg.ModelPath == "" {
		return false
	}
	_, err := os.Stat(p.cfg.BinaryPath)
	return err == nil
}

// Transcribe runs the binary against req.AudioPath and parses the JSON
// sidecar file whisper.cpp writes next to its output prefix.
func (p *Provider) Transcribe(ctx context.Context, req transcription.TranscriptionRequest) (*transcription.TranscriptionResponse, error) {
	outPrefix := req.AudioPath + ".out"
	args := []string{
		"-m", p.cfg.ModelPath,
		"-f", req.AudioPath,
		"-oj",
		"-of", outPrefix,
	}
	if req.Language != "" {
		args = append(args, "-l", req.Language)
	}

	cmd := process.Command{Binary: p.cfg.BinaryPath, Args: args}
	if _, err := p.runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("whispercpp: run: %w", err)
	}

	raw, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("whispercpp: read output: %w", err)
	}
	defer os.Remove(filepath.Clean(outPrefix + ".json"))

	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("whispercpp: parse output: %w", err)
	}
	return out.toTranscriptionResponse(), nil
}

type cliOutput struct {
	Transcription []struct {
		Text    string `json:"text"`
		Offsets struct {
			From float64 `json:"from"`
			To   float64 `json:"to"`
		} `json:"offsets"`
	} `json:"transcription"`
}

func (o *cliOutput) toTranscriptionResponse() *transcription.TranscriptionResponse {
	resp := &transcription.TranscriptionResponse{}
	for _, seg := range o.Transcription {
		resp.Text += seg.Text
		resp.Segments = append(resp.Segments, transcription.Segment{
			Start: seg.Offsets.From / 1000,
			End:   seg.Offsets.To / 1000,
			Text:  seg.Text,
		})
		resp.Duration = seg.Offsets.To / 1000
	}
	return resp
}
