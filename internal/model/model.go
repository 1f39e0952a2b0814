// Package model contains the domain types shared across packages.
package model

import "time"

// Stage describes where a recording sits in the dictation pipeline.
type Stage string

const (
	StageDraft        Stage = "draft"
	StageRecording    Stage = "recording"
	StageCombining    Stage = "combining"
	StageCombined     Stage = "combined"
	StageTranscribing Stage = "transcribing"
	StageSummarizing  Stage = "summarizing"
	StageReviewable   Stage = "reviewable"
	StageSigned       Stage = "signed"
	StageFailed       Stage = "failed"
	StageDeleted      Stage = "deleted"
)

// Terminal reports whether no further transitions are possible except delete.
func (s Stage) Terminal() bool {
	return s == StageSigned || s == StageFailed || s == StageDeleted
}

// Recording is one end-to-end dictation session. Transcript and Note are
// the durable projections of the transcription and summarization stage
// payloads, so a stalled recording can be re-driven without replaying the
// original events.
type Recording struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Stage      Stage     `json:"stage"`
	Transcript string    `json:"transcript,omitempty"`
	Note       string    `json:"note,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChunkStatus tracks whether a chunk still participates in combines.
type ChunkStatus string

const (
	ChunkActive   ChunkStatus = "active"
	ChunkReplaced ChunkStatus = "replaced"
	ChunkDeleted  ChunkStatus = "deleted"
)

// Span is a chunk's position in the recording timeline, in seconds. Spans
// order chunks logically so ingestion never depends on delivery order.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Covers reports whether s fully contains other.
func (s Span) Covers(other Span) bool {
	return other.Start >= s.Start && other.End <= s.End
}

// Chunk is one audio fragment belonging to a recording.
type Chunk struct {
	ID          string      `json:"id"`
	RecordingID string      `json:"recordingId"`
	Span        Span        `json:"span"`
	Status      ChunkStatus `json:"status"`
	StorageRef  string      `json:"storageRef"`
	Checksum    string      `json:"checksum"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// CombinedArtifact is the canonical audio produced from a recording's active
// chunks. Artifacts are immutable; edits after a combine produce a new
// generation under a new object key.
type CombinedArtifact struct {
	RecordingID string    `json:"recordingId"`
	Generation  int64     `json:"generation"`
	ObjectRef   string    `json:"objectRef"`
	Duration    float64   `json:"duration"`
	CreatedAt   time.Time `json:"createdAt"`
}
