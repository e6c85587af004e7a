// Package transcription defines the provider interface and common types
// for interacting with speech-to-text backends.
//
// It follows gokit's provider pattern with a pluggable registry for
// runtime-selectable backends.
//
// # Backends
//
//   - transcription/whisper: OpenAI Whisper speech-to-text
//
// # Usage
//
//	reg := transcription.NewRegistry()
//	reg.Set("whisper", whisperProvider)
//	if p, ok := reg.Get("whisper"); ok {
//		result, err := p.Transcribe(ctx, req)
//	}
package transcription
