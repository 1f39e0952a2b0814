package model

import "time"

// EventType names a stage-completion trigger on the bus.
type EventType string

const (
	EventRecordingStarted EventType = "recording.started"
	EventChunksComplete   EventType = "recording.chunks_complete"
	EventCombined         EventType = "recording.combined"
	EventTranscribing     EventType = "transcription.dispatched"
	EventTranscribed      EventType = "transcription.completed"
	EventSummarized       EventType = "summarization.completed"
	EventSigned           EventType = "recording.signed"
	EventFailed           EventType = "recording.failed"
	EventDeleted          EventType = "recording.deleted"
)

// StageEvent drives the pipeline state machine. CorrelationID makes
// redelivered events detectable: applying the same event twice is a no-op.
type StageEvent struct {
	RecordingID   string    `json:"recordingId"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlationId"`
	Transcript    string    `json:"transcript,omitempty"`
	Note          string    `json:"note,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
