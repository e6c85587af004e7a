// Package jobmodel defines the data types shared by every stage of the
// transcription pipeline: submission, the job registry, the result cache,
// and the worker runtime.
package jobmodel

import (
	"time"

	"github.com/kbukum/gokit/errors"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateQueued     State = "Queued"
	StateProcessing State = "Processing"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateCancelled  State = "Cancelled"
)

// Terminal reports whether a job in this state will never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// SubmissionOptions holds the caller-supplied options that shape how a job
// is transcribed. A subset of these fields participate in the content
// fingerprint (see Fingerprint in the blobstore/submission packages).
type SubmissionOptions struct {
	Language      string `json:"language,omitempty" form:"language" validate:"omitempty,len=2,alpha"`
	VADFilter     bool   `json:"vad_filter" form:"vad_filter"`
	InitialPrompt string `json:"initial_prompt,omitempty" form:"initial_prompt" validate:"omitempty,max=1024"`
}

// FingerprintKey returns the normalized representation of the options that
// participate in a submission's content fingerprint. Filename and caller
// identity never appear here: two submissions differing only in those must
// still fingerprint identically.
func (o SubmissionOptions) FingerprintKey() string {
	vad := "0"
	if o.VADFilter {
		vad = "1"
	}
	return o.Language + "\x00" + vad + "\x00" + o.InitialPrompt
}

// JobRecord is the durable record for one submitted transcription job,
// stored as a single JSON document in the Job Registry.
type JobRecord struct {
	JobID        string            `json:"job_id"`
	State        State             `json:"state"`
	Fingerprint  string            `json:"fingerprint"`
	Filename     string            `json:"filename"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Options      SubmissionOptions `json:"options"`
	Attempt      int               `json:"attempt"`
	ResultHandle string            `json:"result_handle,omitempty"`
	ErrorKind    errors.ErrorCode  `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Segment is a time-aligned portion of a transcript.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Speaker    string   `json:"speaker,omitempty"`
}

// Transcript is the durable, content-addressed result of a transcription,
// stored in the Result Cache under the fingerprint that produced it.
type Transcript struct {
	Language           string    `json:"language,omitempty"`
	LanguageConfidence float64   `json:"language_confidence"`
	AudioDuration      float64   `json:"audio_duration"`
	ProcessingTime     float64   `json:"processing_time"`
	Text               string    `json:"text"`
	Segments           []Segment `json:"segments,omitempty"`
}
