// Package asr wraps the speech-to-text collaborator behind a narrow
// interface: bytes in, transcript out.
package asr

import "context"

// Segment is one timed slice of the transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the ASR result.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// Transcriber converts combined audio into a transcript. Implementations
// must honor ctx cancellation; the dispatcher bounds every call with a
// timeout.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}
