// Package mock implements transcription.Provider with canned transcripts,
// for exercising the worker runtime and its cache/registry interactions
// without a real engine sidecar.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/gokit/transcription"
)

// ProviderName is the registered name for the mock provider.
const ProviderName = "mock"

// Provider returns a fixed transcript for every call, after an optional
// artificial delay, unless the audio path has been configured to fail or
// hang (for exercising timeout and cancellation paths).
type Provider struct {
	mu        sync.Mutex
	Delay     time.Duration
	Transcript transcription.TranscriptionResponse
	failPaths map[string]error
	hangPaths map[string]bool
}

// NewProvider creates a Provider returning transcript for every successful
// call.
func NewProvider(transcript transcription.TranscriptionResponse) *Provider {
	return &Provider{
		Transcript: transcript,
		failPaths:  make(map[string]error),
		hangPaths:  make(map[string]bool),
	}
}

// Name satisfies provider.Provider.
func (p *Provider) Name() string { return ProviderName }

// IsAvailable satisfies provider.Provider; the mock is always available.
func (p *Provider) IsAvailable(_ context.Context) bool { return true }

// FailOn makes a subsequent Transcribe call for audioPath return err.
func (p *Provider) FailOn(audioPath string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPaths[audioPath] = err
}

// HangOn makes a subsequent Transcribe call for audioPath block until its
// context is cancelled, for exercising the worker's cancellation watch loop.
func (p *Provider) HangOn(audioPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangPaths[audioPath] = true
}

// Transcribe implements transcription.Provider.
func (p *Provider) Transcribe(ctx context.Context, req transcription.TranscriptionRequest) (*transcription.TranscriptionResponse, error) {
	p.mu.Lock()
	failErr, shouldFail := p.failPaths[req.AudioPath]
	shouldHang := p.hangPaths[req.AudioPath]
	p.mu.Unlock()

	if shouldHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if shouldFail {
		return nil, failErr
	}

	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	resp := p.Transcript
	return &resp, nil
}
